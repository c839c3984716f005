package server

import (
	"sort"
	"time"

	"github.com/mattjoyce/workq/internal/task"
)

// Status is a point in time view of the server for the API and dashboard.
type Status struct {
	Clients    []ClientStatus    `json:"clients"`
	Pools      []PoolStatus      `json:"pools"`
	Interfaces []InterfaceStatus `json:"interfaces"`
	Waiting    int               `json:"waiting"`
}

type ClientStatus struct {
	Addr        string    `json:"addr"`
	State       string    `json:"state"`
	Pending     int       `json:"pending"`
	Interfaces  []string  `json:"interfaces"`
	ConnectedAt time.Time `json:"connected_at"`
}

type PoolStatus struct {
	Task      string   `json:"task"`
	Signature string   `json:"signature"`
	Workers   []string `json:"workers"`
	Waiting   int      `json:"waiting"`
}

type InterfaceStatus struct {
	Name      string       `json:"name"`
	Signature string       `json:"signature"`
	Tasks     []TaskStatus `json:"tasks"`
}

type TaskStatus struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
}

// Status returns a snapshot of clients, pools and waiting calls.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Status
	for c := range s.clients {
		cs := ClientStatus{
			Addr:        c.addr,
			State:       c.state.String(),
			Pending:     len(c.pending),
			ConnectedAt: c.connectedAt,
		}
		for _, iface := range c.supports {
			cs.Interfaces = append(cs.Interfaces, iface.Name())
		}
		sort.Strings(cs.Interfaces)
		st.Clients = append(st.Clients, cs)
	}
	sort.Slice(st.Clients, func(i, j int) bool { return st.Clients[i].Addr < st.Clients[j].Addr })

	for sig, t := range s.tasks {
		ps := PoolStatus{
			Task:      t.String(),
			Signature: sig,
			Waiting:   len(s.waiting[sig]),
		}
		for _, c := range s.pools[sig] {
			ps.Workers = append(ps.Workers, c.addr)
		}
		st.Waiting += ps.Waiting
		st.Pools = append(st.Pools, ps)
	}
	sort.Slice(st.Pools, func(i, j int) bool { return st.Pools[i].Task < st.Pools[j].Task })

	for sig, iface := range s.interfaces {
		is := InterfaceStatus{Name: iface.Name(), Signature: sig}
		for _, t := range iface.Tasks() {
			is.Tasks = append(is.Tasks, TaskStatus{Name: t.String(), Signature: t.Signature()})
		}
		st.Interfaces = append(st.Interfaces, is)
	}
	sort.Slice(st.Interfaces, func(i, j int) bool { return st.Interfaces[i].Name < st.Interfaces[j].Name })

	return st
}

// Task returns the enabled task with the given signature.
func (s *Server) Task(signature string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[signature]
	return t, ok
}
