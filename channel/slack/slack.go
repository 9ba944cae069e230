// Package slack posts run-completion notices to a Slack channel.
package slack

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/siteloom/siteloom/model"
)

// Notifier posts a message to a fixed channel whenever a run finishes.
type Notifier struct {
	api     *slack.Client
	channel string
	log     *zap.Logger
}

// New creates a Notifier using a bot token (xoxb-...). channel is a channel
// ID or name.
func New(botToken, channel string, log *zap.Logger, opts ...slack.Option) *Notifier {
	return &Notifier{
		api:     slack.New(botToken, opts...),
		channel: channel,
		log:     log,
	}
}

// RunCompleted posts the outcome of a finished run.
func (n *Notifier) RunCompleted(ctx context.Context, project *model.Project, msg *model.Message) error {
	var text string
	switch {
	case msg.Type == model.TypeError:
		text = fmt.Sprintf(":warning: Build failed for *%s*", project.Name)
	case msg.Fragment != nil:
		text = fmt.Sprintf(":tada: *%s* built \"%s\" (%d files)\nPreview: %s",
			project.Name, msg.Fragment.Title, len(msg.Fragment.Files), msg.Fragment.SandboxURL)
	default:
		text = fmt.Sprintf("Build finished for *%s*", project.Name)
	}

	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", n.channel, err)
	}
	n.log.Debug("posted run notice", zap.String("project", project.Name))
	return nil
}
