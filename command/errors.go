package command

import "github.com/remimikalsen/sparebank1-pengerobot/core"

func missingService(name string) error {
	return core.NewInternalError("command: " + name + " service is required")
}

func invalidField(field string, message string) error {
	return core.NewFieldError("command", field, message)
}
