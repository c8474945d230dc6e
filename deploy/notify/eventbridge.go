package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

// Source is the EventBridge source of deploy events.
const Source = "quizcache.deploy"

type EventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

var _ EventBridgeAPI = (*eventbridge.Client)(nil)

// EventBridge publishes messages as events with the message type as detail
// type, e.g. "deploy.success".
type EventBridge struct {
	API     EventBridgeAPI
	BusName string
}

type eventDetail struct {
	Type  Type   `json:"type"`
	Title string `json:"title"`
	Text  string `json:"message"`
	Time  string `json:"timestamp"`
}

func (e EventBridge) Notify(ctx context.Context, m Message) (bool, error) {
	if e.API == nil || e.BusName == "" {
		return false, nil
	}
	detail, err := json.Marshal(eventDetail{
		Type:  m.Type,
		Title: m.Title,
		Text:  m.Text,
		Time:  m.Time.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, err
	}
	out, err := e.API.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			EventBusName: aws.String(e.BusName),
			Source:       aws.String(Source),
			DetailType:   aws.String("deploy." + string(m.Type)),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(m.Time),
		}},
	})
	if err != nil {
		return false, fmt.Errorf("eventbridge: %w", err)
	}
	if out.FailedEntryCount > 0 && len(out.Entries) > 0 {
		return false, fmt.Errorf("eventbridge: %s: %s",
			aws.ToString(out.Entries[0].ErrorCode), aws.ToString(out.Entries[0].ErrorMessage))
	}
	return true, nil
}
