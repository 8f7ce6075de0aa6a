package client

import (
	"fmt"
	"time"

	"go.jetify.com/typeid"
)

// generateTypeID is a package var so tests can stub it, matching
// buildkite-cleanroom/internal/controlservice/ids.go's own
// generateTypeID var.
var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newSandboxID() string { return newID("vbx") }

func newExecutionID() string { return newID("exec") }

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && id != "" {
		return id
	}
	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
