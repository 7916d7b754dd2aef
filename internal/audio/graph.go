package audio

import (
	"errors"
	"fmt"
	"log/slog"
)

// Source is an established remote media stream.
type Source interface {
	// Frames delivers captured audio in capture order. The channel closes
	// when the remote leg stops sending.
	Frames() <-chan Frame
	Close() error
}

// Node is one releasable stage of a call's capture graph.
type Node struct {
	Name    string
	Release func() error
}

// Graph releases capture nodes in dependency order: analyzer, source,
// worklet, context. A failing node never stops the others from releasing.
type Graph struct {
	nodes []Node
	log   *slog.Logger
}

// NewGraph builds a graph whose nodes are released in the given order.
func NewGraph(log *slog.Logger, nodes ...Node) *Graph {
	if log == nil {
		log = slog.Default()
	}
	return &Graph{nodes: nodes, log: log}
}

// Release disconnects every node and returns all failures joined.
func (g *Graph) Release() error {
	var errs []error
	for _, n := range g.nodes {
		if n.Release == nil {
			continue
		}
		if err := n.Release(); err != nil {
			g.log.Error("release audio node", "node", n.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
		}
	}
	return errors.Join(errs...)
}
