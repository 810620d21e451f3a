//go:build !lakedebug

package assert

const Enabled = false
