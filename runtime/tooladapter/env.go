package tooladapter

import "os"

// osEnviron is a var, not a direct os.Environ() call, so tests can override
// the inherited environment deterministically.
var osEnviron = os.Environ
