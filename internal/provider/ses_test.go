package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/ignite/lead-drip/internal/drip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	listExists bool
	created    []string
	contacts   map[string]bool
	pages      [][]types.Contact
	sent       []*sesv2.SendEmailInput
	sendErr    error
}

func (f *fakeSES) GetContactList(ctx context.Context, in *sesv2.GetContactListInput, _ ...func(*sesv2.Options)) (*sesv2.GetContactListOutput, error) {
	if !f.listExists {
		return nil, &types.NotFoundException{Message: aws.String("list not found")}
	}
	return &sesv2.GetContactListOutput{ContactListName: in.ContactListName}, nil
}

func (f *fakeSES) CreateContactList(ctx context.Context, in *sesv2.CreateContactListInput, _ ...func(*sesv2.Options)) (*sesv2.CreateContactListOutput, error) {
	f.listExists = true
	f.created = append(f.created, aws.ToString(in.ContactListName))
	return &sesv2.CreateContactListOutput{}, nil
}

func (f *fakeSES) ListContacts(ctx context.Context, in *sesv2.ListContactsInput, _ ...func(*sesv2.Options)) (*sesv2.ListContactsOutput, error) {
	page := 0
	if in.NextToken != nil {
		page = 1
	}
	out := &sesv2.ListContactsOutput{Contacts: f.pages[page]}
	if page+1 < len(f.pages) {
		out.NextToken = aws.String("next")
	}
	return out, nil
}

func (f *fakeSES) CreateContact(ctx context.Context, in *sesv2.CreateContactInput, _ ...func(*sesv2.Options)) (*sesv2.CreateContactOutput, error) {
	email := aws.ToString(in.EmailAddress)
	if f.contacts[email] {
		return nil, &types.AlreadyExistsException{Message: aws.String("exists")}
	}
	f.contacts[email] = true
	return &sesv2.CreateContactOutput{}, nil
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSES_EnsureAudienceCreatesList(t *testing.T) {
	api := &fakeSES{}
	p := newSES(api, "hedge-edge-waitlist", "")

	require.NoError(t, p.EnsureAudience(context.Background()))
	require.NoError(t, p.EnsureAudience(context.Background()))
	assert.Equal(t, []string{"hedge-edge-waitlist"}, api.created)
}

func TestSES_ListAudience(t *testing.T) {
	updated := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeSES{pages: [][]types.Contact{
		{
			{EmailAddress: aws.String("A@x.com"), LastUpdatedTimestamp: aws.Time(updated)},
			{EmailAddress: aws.String("b@x.com"), UnsubscribeAll: true},
		},
		{
			{EmailAddress: aws.String("c@x.com"), TopicPreferences: []types.TopicPreference{
				{TopicName: aws.String("lead-drip"), SubscriptionStatus: types.SubscriptionStatusOptOut},
			}},
		},
	}}
	p := newSES(api, "list", "")

	got, err := p.ListAudience(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a@x.com", got[0].Email)
	assert.Equal(t, updated, got[0].CreatedAt)
	assert.True(t, got[1].Unsubscribed)
	assert.True(t, got[2].Unsubscribed)
}

func TestSES_AddToAudienceIdempotent(t *testing.T) {
	api := &fakeSES{contacts: map[string]bool{}}
	p := newSES(api, "list", "")

	require.NoError(t, p.AddToAudience(context.Background(), "A@x.com", "Ann"))
	require.NoError(t, p.AddToAudience(context.Background(), "a@x.com", "Ann"))
	assert.Len(t, api.contacts, 1)
}

func TestSES_Send(t *testing.T) {
	api := &fakeSES{}
	p := newSES(api, "list", "lead-drip")

	res, err := p.Send(context.Background(), drip.Message{
		From:    "Hedge Edge <hello@example.com>",
		To:      "a@x.com",
		ReplyTo: "reply@example.com",
		Subject: "Welcome",
		HTML:    "<p>Hi</p>",
		Tags:    map[string]string{"stage": "1", "sequence": "lead-drip"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ses-1", res.MessageID)

	require.Len(t, api.sent, 1)
	in := api.sent[0]
	assert.Equal(t, []string{"a@x.com"}, in.Destination.ToAddresses)
	assert.Equal(t, []string{"reply@example.com"}, in.ReplyToAddresses)
	assert.Equal(t, "Welcome", aws.ToString(in.Content.Simple.Subject.Data))
	assert.Equal(t, "lead-drip", aws.ToString(in.ListManagementOptions.TopicName))
	require.Len(t, in.EmailTags, 2)
	assert.Equal(t, "sequence", aws.ToString(in.EmailTags[0].Name))
}

func TestSES_SendErrorClasses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"rejected", &types.MessageRejected{Message: aws.String("address blacklisted")}, drip.ErrPermanentRecipient},
		{"paused", &types.SendingPausedException{Message: aws.String("paused")}, drip.ErrUnauthorized},
		{"bad credentials", &smithy.GenericAPIError{Code: "UnrecognizedClientException"}, drip.ErrUnauthorized},
		{"throttled", &types.TooManyRequestsException{Message: aws.String("slow down")}, drip.ErrTransient},
		{"network", errors.New("dial tcp: timeout"), drip.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newSES(&fakeSES{sendErr: tt.err}, "list", "")
			_, err := p.Send(context.Background(), drip.Message{To: "a@x.com"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSES_StatusAndHistoryUnsupported(t *testing.T) {
	p := newSES(&fakeSES{}, "list", "")
	_, err := p.GetStatus(context.Background(), "id")
	assert.ErrorIs(t, err, drip.ErrUnsupported)
	_, err = p.ListHistory(context.Background())
	assert.ErrorIs(t, err, drip.ErrUnsupported)
}
