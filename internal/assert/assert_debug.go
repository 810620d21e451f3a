//go:build lakedebug

package assert

// Enabled는 lakedebug 빌드에서만 true다.
const Enabled = true
