/*
Copyright 2026 The Codeguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// slackClient is the slice of *slack.Client SlackSender needs, so
// tests can fake the Slack API without a live token.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackSender posts a regression alert to one fixed channel via the
// Slack Web API.
type SlackSender struct {
	client  slackClient
	channel string
}

// NewSlackSender builds a sender from a bot token and destination
// channel ID (e.g. "C0123456789").
func NewSlackSender(token, channel string) *SlackSender {
	return &SlackSender{client: slack.New(token), channel: channel}
}

// Send posts one notification as a Slack message.
func (s *SlackSender) Send(ctx context.Context, n Notification) error {
	text := fmt.Sprintf(":rotating_light: Fix %s on project %s was rolled back (%s): %s",
		n.FixRecordID, n.ProjectID, n.Severity, n.Reason)
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	return err
}
