// Package idgen generates chat message identifiers.
package idgen

import "fmt"

// Generator produces unique message ids and validates ids received from clients.
type Generator interface {
	Generate() (string, error)
	Validate(id string) error
}

// New returns the configured generator. Unknown names are rejected.
func New(kind string, machineID int64) (Generator, error) {
	switch kind {
	case "ulid", "":
		return NewULIDGenerator(), nil
	case "snowflake":
		return NewSnowflakeGenerator(machineID, DefaultEpoch)
	case "uuid":
		return NewUUIDGenerator(), nil
	case "ksuid":
		return NewKSUIDGenerator(), nil
	case "nanoid":
		return NewNanoIDGenerator(DefaultNanoIDSize, DefaultNanoIDAlphabet)
	case "cuid2":
		return NewCUID2Generator(DefaultCUID2Length)
	default:
		return nil, fmt.Errorf("unsupported id generator: %s", kind)
	}
}
