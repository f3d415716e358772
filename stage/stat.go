package stage

// Values are read and modified atomically, but not consistently,
// i.e. it is possible to read Pushed=1 PushedBytes=0.

import (
	"expvar"
	"fmt"
)

type Stat struct {
	Pushed       expvar.Int
	PushedBytes  expvar.Int
	Dropped      expvar.Int
	DroppedBytes expvar.Int
	DrainedBytes expvar.Int
	Messages     expvar.Int
}

func (s *Stat) Add(other *Stat) {
	s.Pushed.Add(other.Pushed.Value())
	s.PushedBytes.Add(other.PushedBytes.Value())
	s.Dropped.Add(other.Dropped.Value())
	s.DroppedBytes.Add(other.DroppedBytes.Value())
	s.DrainedBytes.Add(other.DrainedBytes.Value())
	s.Messages.Add(other.Messages.Value())
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"pushed":%d,"pushed.size":%d,"dropped":%d,"dropped.size":%d,"drained.size":%d,"messages":%d}`,
		s.Pushed.Value(), s.PushedBytes.Value(),
		s.Dropped.Value(), s.DroppedBytes.Value(),
		s.DrainedBytes.Value(), s.Messages.Value())
}
