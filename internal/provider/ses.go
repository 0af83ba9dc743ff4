package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/ignite/lead-drip/internal/drip"
	"github.com/ignite/lead-drip/internal/pkg/logger"
	"github.com/sirupsen/logrus"
)

type sesAPI interface {
	GetContactList(ctx context.Context, in *sesv2.GetContactListInput, optFns ...func(*sesv2.Options)) (*sesv2.GetContactListOutput, error)
	CreateContactList(ctx context.Context, in *sesv2.CreateContactListInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateContactListOutput, error)
	ListContacts(ctx context.Context, in *sesv2.ListContactsInput, optFns ...func(*sesv2.Options)) (*sesv2.ListContactsOutput, error)
	CreateContact(ctx context.Context, in *sesv2.CreateContactInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateContactOutput, error)
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES adapter.
type SESConfig struct {
	Region          string
	AccessKey       string
	SecretKey       string
	ContactListName string
	Topic           string
}

// SES implements drip.DeliveryProvider on Amazon SES v2. A contact list
// stands in for the audience. SES keeps no queryable send history, so
// GetStatus and ListHistory are unsupported.
type SES struct {
	client sesAPI
	list   string
	topic  string
	log    *logrus.Entry
}

var _ drip.DeliveryProvider = (*SES)(nil)

// NewSES creates an SES adapter with static credentials.
func NewSES(ctx context.Context, cfg SESConfig) (*SES, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return newSES(sesv2.NewFromConfig(awsCfg), cfg.ContactListName, cfg.Topic), nil
}

func newSES(client sesAPI, list, topic string) *SES {
	if topic == "" {
		topic = "lead-drip"
	}
	return &SES{client: client, list: list, topic: topic, log: logger.Component("ses")}
}

// EnsureAudience creates the contact list with its subscription topic when missing.
func (s *SES) EnsureAudience(ctx context.Context) error {
	_, err := s.client.GetContactList(ctx, &sesv2.GetContactListInput{ContactListName: aws.String(s.list)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFoundException
	if !errors.As(err, &notFound) {
		return classifySES("get contact list", err)
	}

	_, err = s.client.CreateContactList(ctx, &sesv2.CreateContactListInput{
		ContactListName: aws.String(s.list),
		Topics: []types.Topic{{
			TopicName:                 aws.String(s.topic),
			DisplayName:               aws.String(s.topic),
			DefaultSubscriptionStatus: types.SubscriptionStatusOptIn,
		}},
	})
	var exists *types.AlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return classifySES("create contact list", err)
	}
	s.log.WithField("contact_list", s.list).Info("created contact list")
	return nil
}

// ListAudience pages through the contact list.
func (s *SES) ListAudience(ctx context.Context) ([]drip.AudienceMember, error) {
	var out []drip.AudienceMember
	var token *string
	for {
		resp, err := s.client.ListContacts(ctx, &sesv2.ListContactsInput{
			ContactListName: aws.String(s.list),
			NextToken:       token,
			PageSize:        aws.Int32(1000),
		})
		if err != nil {
			return nil, classifySES("list contacts", err)
		}
		for _, c := range resp.Contacts {
			m := drip.AudienceMember{
				Email:        drip.NormalizeEmail(aws.ToString(c.EmailAddress)),
				Unsubscribed: c.UnsubscribeAll,
				CreatedAt:    aws.ToTime(c.LastUpdatedTimestamp),
			}
			for _, p := range c.TopicPreferences {
				if aws.ToString(p.TopicName) == s.topic && p.SubscriptionStatus == types.SubscriptionStatusOptOut {
					m.Unsubscribed = true
				}
			}
			out = append(out, m)
		}
		if aws.ToString(resp.NextToken) == "" {
			return out, nil
		}
		token = resp.NextToken
	}
}

// AddToAudience creates the contact. An existing contact is left as is.
func (s *SES) AddToAudience(ctx context.Context, email, name string) error {
	attrs, err := json.Marshal(map[string]string{"name": strings.TrimSpace(name)})
	if err != nil {
		return err
	}
	_, err = s.client.CreateContact(ctx, &sesv2.CreateContactInput{
		ContactListName: aws.String(s.list),
		EmailAddress:    aws.String(drip.NormalizeEmail(email)),
		AttributesData:  aws.String(string(attrs)),
	})
	var exists *types.AlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return classifySES("create contact", err)
	}
	return nil
}

// Send submits one message with list management headers so recipients can
// unsubscribe from the topic.
func (s *SES) Send(ctx context.Context, msg drip.Message) (drip.SendResult, error) {
	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{Simple: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
			},
		}},
		ListManagementOptions: &types.ListManagementOptions{
			ContactListName: aws.String(s.list),
			TopicName:       aws.String(s.topic),
		},
	}
	if msg.ReplyTo != "" {
		in.ReplyToAddresses = []string{msg.ReplyTo}
	}
	names := make([]string, 0, len(msg.Tags))
	for name := range msg.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		in.EmailTags = append(in.EmailTags, types.MessageTag{Name: aws.String(name), Value: aws.String(msg.Tags[name])})
	}

	out, err := s.client.SendEmail(ctx, in)
	if err != nil {
		return drip.SendResult{}, classifySES("send", err)
	}
	return drip.SendResult{MessageID: aws.ToString(out.MessageId)}, nil
}

// GetStatus is unsupported. SES reports engagement only through event destinations.
func (s *SES) GetStatus(ctx context.Context, messageID string) (drip.DeliveryEvent, error) {
	return drip.DeliveryEvent{}, drip.ErrUnsupported
}

// ListHistory is unsupported.
func (s *SES) ListHistory(ctx context.Context) ([]drip.HistoryEntry, error) {
	return nil, drip.ErrUnsupported
}

var sesCredentialCodes = map[string]bool{
	"AccessDeniedException":       true,
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
}

func classifySES(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var (
		rejected  *types.MessageRejected
		badReq    *types.BadRequestException
		suspended *types.AccountSuspendedException
		paused    *types.SendingPausedException
		notVerif  *types.MailFromDomainNotVerifiedException
		apiErr    smithy.APIError
	)
	var kind error
	switch {
	case errors.As(err, &rejected), errors.As(err, &badReq):
		kind = drip.ErrPermanentRecipient
	case errors.As(err, &suspended), errors.As(err, &paused), errors.As(err, &notVerif):
		kind = drip.ErrUnauthorized
	case errors.As(err, &apiErr) && sesCredentialCodes[apiErr.ErrorCode()]:
		kind = drip.ErrUnauthorized
	default:
		kind = drip.ErrTransient
	}
	return fmt.Errorf("%s: %w: %v", op, kind, err)
}
