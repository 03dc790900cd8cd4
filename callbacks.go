package stm

// Module is the set of lifecycle hooks a caller can register (spec §4.5).
// Any field may be left nil; all registered modules fire in registration
// order at each lifecycle point. on_precommit is the only hook that runs
// inside the critical commit window (immediately before the end-timestamp
// acquisition); every other hook fires outside it.
type Module struct {
	OnThreadInit func(userData interface{})
	OnThreadExit func(userData interface{})
	OnStart      func(tx *Txn, userData interface{})
	OnPrecommit  func(tx *Txn, userData interface{})
	OnCommit     func(tx *Txn, userData interface{})
	OnAbort      func(tx *Txn, reason AbortReason, userData interface{})
	UserData     interface{}
}

// callbackRegistry is an ordered, append-only sequence of registered
// modules. Registration must complete before any thread begins a
// transaction (spec §5); it is read-mostly thereafter and not itself
// synchronized beyond that discipline.
type callbackRegistry struct {
	modules []Module
}

func (r *callbackRegistry) register(m Module) {
	r.modules = append(r.modules, m)
}

func (r *callbackRegistry) fireThreadInit() {
	for _, m := range r.modules {
		if m.OnThreadInit != nil {
			m.OnThreadInit(m.UserData)
		}
	}
}

func (r *callbackRegistry) fireThreadExit() {
	for _, m := range r.modules {
		if m.OnThreadExit != nil {
			m.OnThreadExit(m.UserData)
		}
	}
}

func (r *callbackRegistry) fireStart(tx *Txn) {
	for _, m := range r.modules {
		if m.OnStart != nil {
			m.OnStart(tx, m.UserData)
		}
	}
}

func (r *callbackRegistry) firePrecommit(tx *Txn) {
	for _, m := range r.modules {
		if m.OnPrecommit != nil {
			m.OnPrecommit(tx, m.UserData)
		}
	}
}

func (r *callbackRegistry) fireCommit(tx *Txn) {
	for _, m := range r.modules {
		if m.OnCommit != nil {
			m.OnCommit(tx, m.UserData)
		}
	}
}

func (r *callbackRegistry) fireAbort(tx *Txn, reason AbortReason) {
	for _, m := range r.modules {
		if m.OnAbort != nil {
			m.OnAbort(tx, reason, m.UserData)
		}
	}
}
