// Package inbound serves the robot's operations over HTTP.
//
// Every route runs through the facade, so requests get the same message
// validation as go-command dispatch. Errors are rendered as go-errors
// envelopes with the status code of their category.
package inbound
