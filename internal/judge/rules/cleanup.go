package rules

import (
	"context"
	"encoding/json"
	"time"

	appErr "arbiter/pkg/errors"
)

// CleanupContext describes one test-case cache directory as seen by the
// scheduled cleaner.
type CleanupContext struct {
	ProblemID     string
	LastAccess    time.Time
	SizeBytes     int64
	ProblemExists bool
	Now           time.Time
}

// Leaf cleanup rules.

// IdleLongerThan satisfies when the cache has not been read for more than
// the given number of days.
func IdleLongerThan(days int) Specification[CleanupContext] {
	return Func[CleanupContext](func(_ context.Context, c CleanupContext) bool {
		return c.Now.Sub(c.LastAccess) > time.Duration(days)*24*time.Hour
	})
}

// LargerThan satisfies when the cache directory exceeds the size threshold.
func LargerThan(bytes int64) Specification[CleanupContext] {
	return Func[CleanupContext](func(_ context.Context, c CleanupContext) bool {
		return c.SizeBytes > bytes
	})
}

// ProblemMissing satisfies when the owning problem no longer exists.
func ProblemMissing() Specification[CleanupContext] {
	return Func[CleanupContext](func(_ context.Context, c CleanupContext) bool {
		return !c.ProblemExists
	})
}

// PolicyNode is the JSON tree form of a cleanup policy. A node is either a
// combinator over children or a named leaf rule with a value.
type PolicyNode struct {
	Op       string       `json:"op,omitempty"` // and, or, not, all_of, any_of
	Children []PolicyNode `json:"children,omitempty"`

	Rule  string `json:"rule,omitempty"` // idle_days, larger_than_bytes, problem_missing
	Value int64  `json:"value,omitempty"`
}

// ParsePolicy decodes a JSON policy document into an evaluable
// specification.
func ParsePolicy(data []byte) (Specification[CleanupContext], error) {
	var node PolicyNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidFormat, "parse cleanup policy failed")
	}
	return buildPolicy(node)
}

// EncodePolicy serializes a policy tree back to JSON.
func EncodePolicy(node PolicyNode) ([]byte, error) {
	data, err := json.Marshal(node)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidFormat, "encode cleanup policy failed")
	}
	return data, nil
}

func buildPolicy(node PolicyNode) (Specification[CleanupContext], error) {
	if node.Op != "" {
		children := make([]Specification[CleanupContext], 0, len(node.Children))
		for _, child := range node.Children {
			spec, err := buildPolicy(child)
			if err != nil {
				return nil, err
			}
			children = append(children, spec)
		}
		switch node.Op {
		case "and":
			if len(children) != 2 {
				return nil, appErr.New(appErr.InvalidFormat).WithMessage("and requires two children")
			}
			return And(children[0], children[1]), nil
		case "or":
			if len(children) != 2 {
				return nil, appErr.New(appErr.InvalidFormat).WithMessage("or requires two children")
			}
			return Or(children[0], children[1]), nil
		case "not":
			if len(children) != 1 {
				return nil, appErr.New(appErr.InvalidFormat).WithMessage("not requires one child")
			}
			return Not(children[0]), nil
		case "all_of":
			return AllOf(children...), nil
		case "any_of":
			return AnyOf(children...), nil
		default:
			return nil, appErr.Newf(appErr.InvalidFormat, "unknown policy op: %s", node.Op)
		}
	}

	switch node.Rule {
	case "idle_days":
		return IdleLongerThan(int(node.Value)), nil
	case "larger_than_bytes":
		return LargerThan(node.Value), nil
	case "problem_missing":
		return ProblemMissing(), nil
	default:
		return nil, appErr.Newf(appErr.InvalidFormat, "unknown policy rule: %s", node.Rule)
	}
}
