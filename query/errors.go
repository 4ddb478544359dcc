package query

import "github.com/remimikalsen/sparebank1-pengerobot/core"

func missingReader(name string) error {
	return core.NewInternalError("query: " + name + " reader is required")
}

func invalidField(field string, message string) error {
	return core.NewFieldError("query", field, message)
}
