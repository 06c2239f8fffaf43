package memory

import "sync"

// noCopy marks a struct as non-copyable; go vet's copylocks check flags any
// value containing one that is passed or assigned by value. Allocators embed
// this because their bookkeeping (FIFOs, size-class tables, generation
// counters) is only valid for a single owning instance.
type noCopy [0]sync.Mutex

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
