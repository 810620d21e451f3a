package chain

import "unsafe"

// counter must fill exactly one cache line so neighbouring leases never share
// a line under decrement traffic.
var _ [counterSize - int(unsafe.Sizeof(counter{}))]byte
var _ [int(unsafe.Sizeof(counter{})) - counterSize]byte
