package tasks

import (
	"context"
	"fmt"
	"sort"

	"github.com/caliperml/caliper/notification"
	"github.com/caliperml/caliper/queue"
)

// subjects maps notification kinds to mail subjects.
var subjects = map[string]string{
	"config_invalid":       "Caliper: configuration rejected",
	"quality_check_failed": "Caliper: data quality check failed",
	"evaluation_failed":    "Caliper: evaluation failed",
	"evaluation_completed": "Caliper: evaluation completed",
}

// SendNotification delivers a mail to the owning team. Delivery failures
// are returned so the task retries; they never change aggregate state.
func (h *Handlers) SendNotification(ctx context.Context, args map[string]interface{}) error {
	useCaseID, err := requireArg(args, queue.ArgUseCaseID)
	if err != nil {
		return err
	}
	kind, err := requireArg(args, "kind")
	if err != nil {
		return err
	}
	payload, _ := args["payload"].(map[string]interface{})

	if err := h.checkpoint(ctx); err != nil {
		return err
	}

	uc, err := h.useCases.Get(ctx, useCaseID)
	if err != nil {
		return err
	}

	subject, ok := subjects[kind]
	if !ok {
		subject = fmt.Sprintf("Caliper: %s", kind)
	}

	msg := notification.Message{
		To:      []string{uc.TeamEmail},
		Subject: subject,
		Body:    renderBody(uc.Name, kind, payload),
	}
	if err := h.notifier.Send(ctx, msg); err != nil {
		return err
	}

	h.auditOnce(ctx, useCaseID, "notification_sent", subject, "notification",
		map[string]interface{}{"kind": kind})
	return nil
}

func renderBody(useCaseName, kind string, payload map[string]interface{}) string {
	body := fmt.Sprintf("Use case %q: %s\n", useCaseName, kind)
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body += fmt.Sprintf("%s: %v\n", k, payload[k])
	}
	return body
}
