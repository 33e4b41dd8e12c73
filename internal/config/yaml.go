package config

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type Yaml struct {
	r io.Reader
}

// FromYaml returns a source that parses YAML from r. If r is also an
// io.Closer it is closed after reading.
func FromYaml(r io.Reader) Yaml {
	return Yaml{r: r}
}

// InvalidYamlError occurs if the underlying reader holds invalid YAML.
type InvalidYamlError struct {
	cause error
}

func (e InvalidYamlError) Error() string {
	return fmt.Sprintf("config: invalid yaml: %s", e.cause)
}

func (e InvalidYamlError) Unwrap() error {
	return e.cause
}

func (src Yaml) Apply(store Store) (err error) {
	if c, ok := src.r.(io.Closer); ok {
		defer func() {
			err = errors.Join(err, c.Close())
		}()
	}
	b, err := io.ReadAll(src.r)
	if err != nil {
		return err
	}
	m := make(map[string]any)
	if err := yaml.Unmarshal(b, &m); err != nil {
		return InvalidYamlError{cause: err}
	}
	return Map(m).Apply(store)
}
