package board

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"prism-board/domain"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "validation", err: &domain.ValidationError{Field: "title", Message: "x"}, want: http.StatusBadRequest},
		{name: "lane", err: &domain.InvalidLaneError{Lane: "x"}, want: http.StatusBadRequest},
		{name: "planning", err: &domain.PlanningError{Message: "goal too short"}, want: http.StatusBadRequest},
		{name: "not found", err: &domain.TaskNotFoundError{TaskID: "t"}, want: http.StatusNotFound},
		{name: "conflict", err: &domain.VersionConflictError{TaskID: "t"}, want: http.StatusConflict},
		{name: "transition", err: &domain.InvalidTransitionError{}, want: http.StatusConflict},
		{name: "board", err: &domain.BoardError{Op: "x", Err: errStoreDown}, want: http.StatusBadGateway},
		{name: "wrapped", err: fmt.Errorf("ctx: %w", &domain.TaskNotFoundError{TaskID: "t"}), want: http.StatusNotFound},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Fatalf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestDescribeTaxonomy(t *testing.T) {
	p := Describe(&domain.InvalidLaneError{Lane: "later", Valid: domain.Lanes()}, true)
	if p.Code != domain.CodeInvalidLane || p.Details["lane"] != "later" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if valid, ok := p.Details["validLanes"].([]string); !ok || len(valid) != 5 {
		t.Fatalf("expected valid lanes in details, got %#v", p.Details["validLanes"])
	}

	p = Describe(&domain.PlanningError{Message: "goal too short"}, true)
	if p.Code != domain.CodePlanning || p.Message != "goal too short" {
		t.Fatalf("unexpected planning payload %+v", p)
	}
}

func TestDescribeHidesInternalsInProduction(t *testing.T) {
	boom := errors.New("dial tcp 10.0.0.5:5432: connection refused")

	p := Describe(boom, true)
	if p.Code != CodeUnexpected || p.Message != unexpectedMessage {
		t.Fatalf("unexpected production payload %+v", p)
	}
	p = Describe(boom, false)
	if p.Message != boom.Error() {
		t.Fatalf("development posture should surface the message, got %q", p.Message)
	}

	be := &domain.BoardError{Op: "create_task", Err: boom}
	p = Describe(be, true)
	if p.Code != domain.CodeBoard || p.Message != productionBoardMessage || p.Details["operation"] != "create_task" {
		t.Fatalf("unexpected board payload %+v", p)
	}
	if p = Describe(be, false); p.Message != be.Error() {
		t.Fatalf("unexpected development board message %q", p.Message)
	}
}

func TestResultEnvelope(t *testing.T) {
	ok := OK(map[string]bool{"deleted": true})
	if !ok.Success || ok.Error != nil {
		t.Fatalf("unexpected ok result %+v", ok)
	}
	fail := Fail(&domain.TaskNotFoundError{TaskID: "t1"}, true)
	if fail.Success || fail.Error == nil || fail.Error.Code != domain.CodeTaskNotFound {
		t.Fatalf("unexpected failure result %+v", fail)
	}
}
