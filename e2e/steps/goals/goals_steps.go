package goals

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/cucumber/godog"
)

// TestContext is the part of the scenario context these steps need.
type TestContext interface {
	SetUser(username, walletID string)
	Username() string
	GET(path string) error
	AdminGET(path string) error
	AdminPOST(path string, body any) error
	PostMultipart(path string, fields map[string]string, fileField, fileName string, content []byte) error
	LastStatus() int
	LastBody() []byte
	ResponseField(field string) (any, error)
}

// minimal PNG signature; the server sniffs content type from it
var photo = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &goalSteps{tc: tc}

	ctx.Step(`^I am user "([^"]*)" with wallet "([^"]*)"$`, steps.iAmUser)
	ctx.Step(`^an operator assigns (\d+) goals to "([^"]*)"$`, steps.operatorAssigns)
	ctx.Step(`^I list my goals$`, steps.listMyGoals)
	ctx.Step(`^I should have (\d+) pending goals$`, steps.shouldHavePendingGoals)
	ctx.Step(`^I claim goal "([^"]*)" with a photo$`, steps.claimGoal)
	ctx.Step(`^the claim should be refused with a generic message$`, steps.claimRefusedGenerically)
	ctx.Step(`^the audit trail for "([^"]*)" should contain "([^"]*)"$`, steps.auditTrailContains)
}

type goalSteps struct {
	tc TestContext
}

func (s *goalSteps) iAmUser(_ context.Context, username, walletID string) error {
	s.tc.SetUser(username, walletID)
	return nil
}

func (s *goalSteps) operatorAssigns(_ context.Context, n int, username string) error {
	if err := s.tc.AdminPOST("/goals/assign", map[string]any{"username": username, "count": n}); err != nil {
		return err
	}
	if s.tc.LastStatus() != 200 {
		return fmt.Errorf("assign failed with %d: %s", s.tc.LastStatus(), s.tc.LastBody())
	}
	return nil
}

func (s *goalSteps) listMyGoals(_ context.Context) error {
	return s.tc.GET("/goals")
}

func (s *goalSteps) shouldHavePendingGoals(_ context.Context, want int) error {
	v, err := s.tc.ResponseField("count")
	if err != nil {
		return err
	}
	if got, _ := v.(float64); int(got) != want {
		return fmt.Errorf("expected %d pending goals, got %v", want, v)
	}
	return nil
}

func (s *goalSteps) claimGoal(_ context.Context, goalName string) error {
	return s.tc.PostMultipart("/goals/complete", map[string]string{"goal_name": goalName}, "image", "proof.png", photo)
}

func (s *goalSteps) claimRefusedGenerically(_ context.Context) error {
	if s.tc.LastStatus() != 422 {
		return fmt.Errorf("expected 422, got %d: %s", s.tc.LastStatus(), s.tc.LastBody())
	}
	v, err := s.tc.ResponseField("error_description")
	if err != nil {
		return err
	}
	if v != "could not complete goal" {
		return fmt.Errorf("unexpected error description %q", v)
	}
	return nil
}

func (s *goalSteps) auditTrailContains(_ context.Context, username, action string) error {
	if err := s.tc.AdminGET("/admin/audit?username=" + url.QueryEscape(username)); err != nil {
		return err
	}
	var body struct {
		Events []struct {
			Action string `json:"action"`
		} `json:"events"`
	}
	if err := json.Unmarshal(s.tc.LastBody(), &body); err != nil {
		return fmt.Errorf("decode audit list: %w", err)
	}
	for _, e := range body.Events {
		if e.Action == action {
			return nil
		}
	}
	return fmt.Errorf("no %q event for %s in %s", action, username, s.tc.LastBody())
}
