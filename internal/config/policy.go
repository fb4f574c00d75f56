package config

import (
	"fmt"
	"strings"
)

const (
	OutputPolicyReconcile = "reconcile"
	OutputPolicyStrict    = "strict"
)

func NormalizeOutputPolicy(raw string) (string, error) {
	policy := strings.ToLower(strings.TrimSpace(raw))
	if policy == "" {
		policy = OutputPolicyReconcile
	}
	switch policy {
	case OutputPolicyReconcile, OutputPolicyStrict:
		return policy, nil
	case "add", "inject":
		return OutputPolicyReconcile, nil
	default:
		return "", fmt.Errorf(
			"invalid output policy %q (expected %s|%s)",
			raw,
			OutputPolicyReconcile,
			OutputPolicyStrict,
		)
	}
}
