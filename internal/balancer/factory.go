package balancer

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds a strategy by its configured name. The weights only matter for
// health_aware and adaptive; other strategies ignore them.
func New(name string, weights Weights, logger *zap.Logger) (Strategy, error) {
	switch name {
	case "", "round_robin":
		return NewRoundRobin(), nil
	case "weighted_round_robin":
		return NewWeightedRoundRobin(), nil
	case "least_connections":
		return NewLeastConnections(), nil
	case "random":
		return NewRandom(0), nil
	case "hash":
		return NewKeyHash(), nil
	case "consistent_hash":
		return NewConsistentHash(0), nil
	case "health_aware":
		if !weights.Validate() {
			return nil, fmt.Errorf("health_aware: negative scoring weight")
		}
		return NewHealthAware(weights), nil
	case "adaptive":
		if !weights.Validate() {
			return nil, fmt.Errorf("adaptive: negative scoring weight")
		}
		return NewAdaptive(0, logger,
			NewRoundRobin(),
			NewLeastConnections(),
			NewHealthAware(weights)), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
