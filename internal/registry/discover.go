package registry

import (
	"errors"
	"log/slog"

	"github.com/loopwork/svcman/internal/service"
)

// CommandNode is the read-only shape of the CLI's declared command tree.
// Groups nest arbitrarily deep; a node carrying a Service contributes one
// registration.
type CommandNode struct {
	Name     string
	Service  *service.Config
	Children []*CommandNode
}

// Discover walks the command tree and registers every attached service
// config. A node whose config fails validation is skipped with a warning so
// one bad declaration can not hide the rest of the tree. A duplicate name is
// a hard error and aborts the walk: two commands claiming the same service
// is a configuration bug, not something to resolve by overwrite.
func (r *Registry) Discover(root *CommandNode) error {
	return r.walk(root)
}

func (r *Registry) walk(node *CommandNode) error {
	if node == nil {
		return nil
	}
	if node.Service != nil {
		if err := r.Register(*node.Service); err != nil {
			if errors.Is(err, service.ErrDuplicateService) {
				return err
			}
			slog.Warn("skipping malformed service declaration",
				"command", node.Name, "error", err)
		}
	}
	for _, child := range node.Children {
		if err := r.walk(child); err != nil {
			return err
		}
	}
	return nil
}
