package query

import (
	"context"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

func TestQueryErrorsCarryTaxonomy(t *testing.T) {
	var nilAccounts *ListAccountsQuery
	var nilAuthorized *EnsureAuthorizedQuery
	_, accountsErr := nilAccounts.Query(context.Background(), ListAccountsMessage{InstanceID: "home"})
	_, authorizedErr := nilAuthorized.Query(context.Background(), EnsureAuthorizedMessage{InstanceID: "home"})

	cases := []struct {
		name     string
		err      error
		category goerrors.Category
		textCode string
		status   int
		field    string
	}{
		{"missing instance id", (EnsureAuthorizedMessage{}).Validate(), goerrors.CategoryValidation, core.ErrorValidationFailed, http.StatusBadRequest, "instance_id"},
		{"nil account reader", accountsErr, goerrors.CategoryInternal, core.ErrorInternal, http.StatusInternalServerError, ""},
		{"nil authorization reader", authorizedErr, goerrors.CategoryInternal, core.ErrorInternal, http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rich *goerrors.Error
			if !goerrors.As(tc.err, &rich) {
				t.Fatalf("expected go-errors envelope, got %T (%v)", tc.err, tc.err)
			}
			if rich.Category != tc.category || rich.TextCode != tc.textCode || rich.Code != tc.status {
				t.Fatalf("unexpected envelope category=%q text=%q code=%d", rich.Category, rich.TextCode, rich.Code)
			}
			if tc.field == "" {
				return
			}
			fields := rich.AllValidationErrors()
			if len(fields) != 1 || fields[0].Field != tc.field {
				t.Fatalf("expected single %s field error, got %+v", tc.field, fields)
			}
		})
	}
}
