package audiograph

import "sync"

// Node is a unit of the render graph. Rendered mono frames enter through
// process and are forwarded to every connected output.
type Node interface {
	Connect(dst Node) Node
	Disconnect()
	process(frames []float32)
}

// router holds the fan-out list shared by all node types.
type router struct {
	mu      sync.RWMutex
	outputs []Node
}

// Connect appends dst to the outputs and returns it so calls can be chained.
func (r *router) Connect(dst Node) Node {
	if dst == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, out := range r.outputs {
		if out == dst {
			return dst
		}
	}
	r.outputs = append(r.outputs, dst)
	return dst
}

// Disconnect drops every output.
func (r *router) Disconnect() {
	r.mu.Lock()
	r.outputs = nil
	r.mu.Unlock()
}

func (r *router) forward(frames []float32) {
	r.mu.RLock()
	outputs := append([]Node(nil), r.outputs...)
	r.mu.RUnlock()
	for _, out := range outputs {
		out.process(frames)
	}
}
