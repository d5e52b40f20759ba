package steps

import "github.com/systemstart/proceed/pkg/container"

// RetryPolicy bounds how many times a failed launch is attempted.
type RetryPolicy struct {
	Attempts int
}

// DefaultPolicies retries client failures, which are usually transient,
// and gives up immediately on everything else.
var DefaultPolicies = map[container.Kind]RetryPolicy{
	container.KindClient:        {Attempts: 3},
	container.KindImageNotFound: {Attempts: 1},
	container.KindRejected:      {Attempts: 1},
	container.KindRuntime:       {Attempts: 1},
}

func policyFor(policies map[container.Kind]RetryPolicy, kind container.Kind) RetryPolicy {
	p, ok := policies[kind]
	if !ok || p.Attempts < 1 {
		return RetryPolicy{Attempts: 1}
	}
	return p
}
