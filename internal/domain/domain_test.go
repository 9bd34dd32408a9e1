package domain_test

import (
	"testing"

	"civitrack/internal/domain"
)

func TestNormalizeProjectStatus(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"draft", domain.ProjectDraft},
		{" APPROVED ", domain.ProjectApproved},
		{"for  approval", domain.ProjectForApproval},
		{"on hold", domain.ProjectOnHold},
		{"On-Hold", domain.ProjectOnHold},
		{"cancelled", domain.ProjectCancelled},
	}
	for _, tc := range cases {
		got, err := domain.NormalizeProjectStatus(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %q, want %q", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "archived", "canceled ?", "draftish"} {
		if _, err := domain.NormalizeProjectStatus(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestNormalizeItemStatus(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"pending", domain.ItemPending},
		{"SUBMITTED", domain.ItemSubmitted},
		{"needs revision", domain.ItemNeedsRevision},
		{"returned", domain.ItemNeedsRevision},
		{" approved\t", domain.ItemApproved},
	}
	for _, tc := range cases {
		got, err := domain.NormalizeItemStatus(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %q, want %q", tc.in, got, tc.want)
		}
	}
	if _, err := domain.NormalizeItemStatus("done"); err == nil {
		t.Fatalf("expected error for unknown item status")
	}
}

func TestResolveDecision(t *testing.T) {
	cases := []struct {
		in            string
		target        string
		remarksNeeded bool
	}{
		{"approve", domain.ItemApproved, false},
		{"send_for_approval", domain.ItemForApproval, false},
		{"reject", domain.ItemRejected, true},
		{"RETURN_FOR_REVISION", domain.ItemNeedsRevision, true},
	}
	for _, tc := range cases {
		spec, err := domain.ResolveDecision(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if spec.TargetStatus != tc.target {
			t.Fatalf("%q: target %q, want %q", tc.in, spec.TargetStatus, tc.target)
		}
		if spec.RemarksNeeded != tc.remarksNeeded {
			t.Fatalf("%q: remarks needed %v", tc.in, spec.RemarksNeeded)
		}
	}
	if _, err := domain.ResolveDecision("cancel"); err == nil {
		t.Fatalf("expected error for unknown decision")
	}
}

func TestCanResubmit(t *testing.T) {
	open := []string{domain.ItemPending, domain.ItemRejected, domain.ItemNeedsRevision}
	for _, s := range open {
		if !domain.CanResubmit(s) {
			t.Fatalf("%s should accept submissions", s)
		}
	}
	closed := []string{domain.ItemSubmitted, domain.ItemForApproval, domain.ItemApproved}
	for _, s := range closed {
		if domain.CanResubmit(s) {
			t.Fatalf("%s should not re-advance to Submitted", s)
		}
	}
}
