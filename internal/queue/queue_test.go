package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type fakeClient struct {
	sendFunc             func(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	receiveFunc          func(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	deleteFunc           func(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	changeVisibilityFunc func(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	lastReceiveInput     *sqs.ReceiveMessageInput
	lastChangeVisInput   *sqs.ChangeMessageVisibilityInput
}

func (f *fakeClient) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendFunc != nil {
		return f.sendFunc(ctx, in, optFns...)
	}
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeClient) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.lastReceiveInput = in
	if f.receiveFunc != nil {
		return f.receiveFunc(ctx, in, optFns...)
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeClient) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if f.deleteFunc != nil {
		return f.deleteFunc(ctx, in, optFns...)
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeClient) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.lastChangeVisInput = in
	if f.changeVisibilityFunc != nil {
		return f.changeVisibilityFunc(ctx, in, optFns...)
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestPublish_Success(t *testing.T) {
	var gotBody string
	client := &fakeClient{
		sendFunc: func(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			gotBody = aws.ToString(in.MessageBody)
			return &sqs.SendMessageOutput{}, nil
		},
	}
	q := New(client, "https://sqs.example/queue")
	if err := q.Publish(context.Background(), `{"job_id":"j1"}`); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotBody != `{"job_id":"j1"}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestPublish_Error(t *testing.T) {
	client := &fakeClient{
		sendFunc: func(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			return nil, errors.New("sqs unavailable")
		},
	}
	q := New(client, "https://sqs.example/queue")
	if err := q.Publish(context.Background(), "payload"); err == nil {
		t.Fatal("expected error")
	}
}

func TestReceive_DefaultsVisibilityTimeoutWhenZero(t *testing.T) {
	client := &fakeClient{}
	q := New(client, "https://sqs.example/queue")
	if _, err := q.Receive(context.Background(), 1, 0); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if client.lastReceiveInput.VisibilityTimeout != int32(VisibilityTimeout.Seconds()) {
		t.Errorf("VisibilityTimeout = %d, want default %d", client.lastReceiveInput.VisibilityTimeout, int32(VisibilityTimeout.Seconds()))
	}
}

func TestReceive_ParsesReceiveCountAndHandles(t *testing.T) {
	client := &fakeClient{
		receiveFunc: func(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			return &sqs.ReceiveMessageOutput{
				Messages: []types.Message{
					{
						Body:          aws.String(`{"job_id":"j1"}`),
						ReceiptHandle: aws.String("handle-1"),
						Attributes:    map[string]string{string(types.QueueAttributeNameApproximateReceiveCount): "3"},
					},
				},
			}, nil
		},
	}
	q := New(client, "https://sqs.example/queue")
	messages, err := q.Receive(context.Background(), 10, 600*time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(messages))
	}
	if messages[0].ReceiptHandle != "handle-1" || messages[0].ReceiveCount != 3 {
		t.Errorf("message = %+v", messages[0])
	}
}

func TestDelete_Success(t *testing.T) {
	var gotHandle string
	client := &fakeClient{
		deleteFunc: func(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
			gotHandle = aws.ToString(in.ReceiptHandle)
			return &sqs.DeleteMessageOutput{}, nil
		},
	}
	q := New(client, "https://sqs.example/queue")
	if err := q.Delete(context.Background(), "handle-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if gotHandle != "handle-1" {
		t.Errorf("handle = %q", gotHandle)
	}
}

func TestChangeVisibility_Success(t *testing.T) {
	client := &fakeClient{}
	q := New(client, "https://sqs.example/queue")
	if err := q.ChangeVisibility(context.Background(), "handle-1", 120*time.Second); err != nil {
		t.Fatalf("ChangeVisibility: %v", err)
	}
	if client.lastChangeVisInput.VisibilityTimeout != 120 {
		t.Errorf("VisibilityTimeout = %d, want 120", client.lastChangeVisInput.VisibilityTimeout)
	}
}
