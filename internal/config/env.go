package config

import (
	"os"
	"strings"
)

// Env applies environment variables that start with a prefix. The prefix is
// stripped, the rest is lower-cased and "__" separates sections, so
// EVERSCALE_LOADGEN__ITERATIONS sets loadgen.iterations.
type Env struct {
	prefix  string
	environ func() []string
}

func FromEnv(prefix string) Env {
	return Env{prefix: prefix, environ: os.Environ}
}

func (src Env) Apply(store Store) error {
	for _, pair := range src.environ() {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || !strings.HasPrefix(k, src.prefix) {
			continue
		}
		k = strings.ToLower(strings.TrimPrefix(k, src.prefix))
		if k == "" {
			continue
		}
		if err := store.Set(strings.Split(k, "__"), v); err != nil {
			return err
		}
	}
	return nil
}
