package ao

// Hierarchical state machine engine. States form a tree; dispatch offers an
// event to the current leaf and walks parent-ward until some handler claims
// it. A claimed event may additionally demand a transition, which runs exits
// up to the least common ancestor and entries down to the target.
//
// Entry and exit hooks cannot transition; states that need follow-up work on
// entry self-post an action event instead, so all entry side effects complete
// before the action runs.

// Disposition is a handler's verdict on one event.
type Disposition struct {
	target  *State
	handled bool
}

// Handled claims the event with no transition.
func Handled() Disposition { return Disposition{handled: true} }

// Bubble passes the event to the parent state.
func Bubble() Disposition { return Disposition{} }

// TransitionTo claims the event and moves the machine to the target state.
func TransitionTo(s *State) Disposition { return Disposition{target: s, handled: true} }

// State is one node in the tree. Build states with Machine.State; the zero
// value is not usable.
type State struct {
	name   string
	parent *State
	depth  int
	entry  func()
	exit   func()
	handle func(Event) Disposition
}

func (s *State) Name() string { return s.name }

// StateSpec configures a new state. Any hook may be nil; a nil Handle bubbles
// everything.
type StateSpec struct {
	Parent *State
	Entry  func()
	Exit   func()
	Handle func(Event) Disposition
}

// Machine holds the current-state pointer and drives dispatch. It is owned by
// exactly one active object and is only touched from its run loop.
type Machine struct {
	cur   *State
	trace func(format string, a ...any)
}

// State registers a new state under spec.Parent (nil for a root).
func (m *Machine) State(name string, spec StateSpec) *State {
	s := &State{
		name:   name,
		parent: spec.Parent,
		entry:  spec.Entry,
		exit:   spec.Exit,
		handle: spec.Handle,
	}
	if s.parent != nil {
		s.depth = s.parent.depth + 1
	}
	return s
}

// SetTrace installs an optional transition trace hook.
func (m *Machine) SetTrace(f func(format string, a ...any)) { m.trace = f }

// Begin enters the initial state, running entry hooks root-first.
func (m *Machine) Begin(initial *State) {
	for _, s := range pathFromRoot(initial) {
		if s.entry != nil {
			s.entry()
		}
	}
	m.cur = initial
}

// Current returns the active leaf state.
func (m *Machine) Current() *State { return m.cur }

// In reports whether the machine is in s or any of its descendants.
func (m *Machine) In(s *State) bool {
	for c := m.cur; c != nil; c = c.parent {
		if c == s {
			return true
		}
	}
	return false
}

// Dispatch offers e to the current state, bubbling leaf to root until claimed.
// An event nobody claims is silently discarded; a root "backstop" state
// normally makes that unreachable.
func (m *Machine) Dispatch(e Event) {
	for s := m.cur; s != nil; s = s.parent {
		if s.handle == nil {
			continue
		}
		d := s.handle(e)
		if !d.handled {
			continue
		}
		if d.target != nil {
			m.transition(d.target)
		}
		return
	}
}

func (m *Machine) transition(target *State) {
	lca := commonAncestor(m.cur, target)

	for s := m.cur; s != lca; s = s.parent {
		if s.exit != nil {
			s.exit()
		}
	}
	if m.trace != nil {
		m.trace("%s -> %s", m.cur.name, target.name)
	}
	for _, s := range pathBetween(lca, target) {
		if s.entry != nil {
			s.entry()
		}
	}
	m.cur = target
}

func commonAncestor(a, b *State) *State {
	for a.depth > b.depth {
		a = a.parent
	}
	for b.depth > a.depth {
		b = b.parent
	}
	for a != b {
		a = a.parent
		b = b.parent
	}
	return a
}

// pathFromRoot lists ancestors of s root-first, including s.
func pathFromRoot(s *State) []*State {
	out := make([]*State, s.depth+1)
	for c := s; c != nil; c = c.parent {
		out[c.depth] = c
	}
	return out
}

// pathBetween lists the states strictly below lca down to target, top-first.
func pathBetween(lca, target *State) []*State {
	var out []*State
	for s := target; s != lca; s = s.parent {
		out = append(out, s)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
