package ratelimit

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

// TestContext is the part of the scenario context these steps need.
type TestContext interface {
	PostMultipart(path string, fields map[string]string, fileField, fileName string, content []byte) error
	LastStatus() int
	LastHeader(name string) string
	LastBody() []byte
}

var photo = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

// RegisterSteps registers the per-user claim throttling steps.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &ratelimitSteps{tc: tc}

	ctx.Step(`^I claim goal "([^"]*)" (\d+) times in a row$`, steps.claimRepeatedly)
	ctx.Step(`^the last claim should be rate limited$`, steps.lastClaimRateLimited)
}

type ratelimitSteps struct {
	tc       TestContext
	statuses []int
}

func (s *ratelimitSteps) claimRepeatedly(_ context.Context, goalName string, n int) error {
	s.statuses = s.statuses[:0]
	for range n {
		err := s.tc.PostMultipart("/goals/complete", map[string]string{"goal_name": goalName}, "image", "proof.png", photo)
		if err != nil {
			return err
		}
		s.statuses = append(s.statuses, s.tc.LastStatus())
	}
	return nil
}

func (s *ratelimitSteps) lastClaimRateLimited(_ context.Context) error {
	if s.tc.LastStatus() != 429 {
		return fmt.Errorf("expected 429 on the last claim, got statuses %v: %s", s.statuses, s.tc.LastBody())
	}
	if s.tc.LastHeader("Retry-After") == "" {
		return fmt.Errorf("429 without Retry-After")
	}
	return nil
}
