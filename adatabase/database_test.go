package adatabase_test

import (
	"testing"

	"github.com/karu-codes/asql/adatabase"
	"github.com/karu-codes/asql/adriver"
	"github.com/karu-codes/asql/adriver/adrivermock"
	"github.com/karu-codes/asql/aresult"
	"github.com/karu-codes/asql/errors"
)

func TestInvalidDatabaseFailsSynchronously(t *testing.T) {
	var db adatabase.Database
	if db.Valid() {
		t.Fatal("zero-value Database should be invalid")
	}
	var got *aresult.Result
	db.Exec("SELECT 1", nil, func(r *aresult.Result) { got = r }, nil)
	if got == nil || !got.IsError() || got.Code() != errors.CodeInvalidDriver {
		t.Fatalf("expected synchronous CodeInvalidDriver result, got %v", got)
	}
}

func TestRefcountReleaseFiresOnce(t *testing.T) {
	factory := adrivermock.New(nil)
	drv, err := factory()
	if err != nil {
		t.Fatal(err)
	}

	releases := 0
	db := adatabase.New(drv, func(adriver.Driver) { releases++ })

	second := db.Acquire()
	db.Release()
	if releases != 0 {
		t.Fatalf("release fired early with an outstanding reference: %d", releases)
	}
	second.Release()
	if releases != 1 {
		t.Fatalf("expected release to fire exactly once, fired %d times", releases)
	}
	second.Release()
	if releases != 1 {
		t.Fatalf("release fired again on a double Release: %d", releases)
	}
}
