package notifications

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	channel domain.Channel
}

func (h stubHandler) Channel() domain.Channel       { return h.channel }
func (h stubHandler) ValidateRecipient(string) bool { return true }
func (h stubHandler) Send(context.Context, Message) (*SendReceipt, error) {
	return &SendReceipt{}, nil
}

type stubDirectory struct {
	users map[int64]*domain.User
	err   error
}

func (d stubDirectory) GetUser(_ context.Context, id int64) (*domain.User, error) {
	if d.err != nil {
		return nil, d.err
	}
	u, ok := d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

type stubDevices map[int64]string

func (d stubDevices) DeviceToken(_ context.Context, userID int64) (string, error) {
	token, ok := d[userID]
	if !ok {
		return "", ErrNoDeviceToken
	}
	return token, nil
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry(
		stubHandler{domain.ChannelWhatsApp},
		stubHandler{domain.ChannelEmail},
		stubHandler{domain.ChannelInApp},
	)

	assert.Equal(t, []domain.Channel{domain.ChannelEmail, domain.ChannelInApp, domain.ChannelWhatsApp}, r.Channels())

	h, err := r.Get(domain.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelEmail, h.Channel())

	_, err = r.Get(domain.ChannelSMS)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestRecipientResolver_Resolve(t *testing.T) {
	token := strings.Repeat("ab", 32)
	users := stubDirectory{users: map[int64]*domain.User{
		1: {ID: 1, DisplayName: "Ana", Email: "ana@example.com", Phone: "+14155550100"},
	}}
	resolver := NewRecipientResolver(users, stubDevices{1: token})

	tests := []struct {
		name    string
		userID  int64
		channel domain.Channel
		want    string
		wantErr error
	}{
		{"email", 1, domain.ChannelEmail, "ana@example.com", nil},
		{"sms", 1, domain.ChannelSMS, "+14155550100", nil},
		{"whatsapp", 1, domain.ChannelWhatsApp, "+14155550100", nil},
		{"in-app needs no profile", 99, domain.ChannelInApp, "99", nil},
		{"push token", 1, domain.ChannelPush, token, nil},
		{"push without token", 2, domain.ChannelPush, "", ErrInvalidRecipient},
		{"unknown user", 2, domain.ChannelEmail, "", ErrInvalidRecipient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.Resolve(context.Background(), tt.userID, tt.channel)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecipientResolver_StorageErrorIsNotInvalidRecipient(t *testing.T) {
	boom := errors.New("connection refused")
	resolver := NewRecipientResolver(stubDirectory{err: boom}, nil)

	_, err := resolver.Resolve(context.Background(), 1, domain.ChannelEmail)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrInvalidRecipient)

	_, err = resolver.Resolve(context.Background(), 1, domain.ChannelPush)
	assert.ErrorIs(t, err, ErrNoDeviceToken, "default device registry has no tokens")
}

func TestValidEmail(t *testing.T) {
	tests := []struct {
		address string
		valid   bool
	}{
		{"ana@example.com", true},
		{"ana.lopez+salon@mail.example.co", true},
		{"", false},
		{"ana", false},
		{"ana@example", false},
		{"ana@@example.com", false},
		{"ana @example.com", false},
		{strings.Repeat("a", 250) + "@example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidEmail(tt.address))
		})
	}
}

func TestValidPhone(t *testing.T) {
	tests := []struct {
		address string
		valid   bool
	}{
		{"+14155550100", true},
		{"+1 (415) 555-0100", true},
		{"4915123456789", true},
		{"", false},
		{"+0123456789", false},
		{"12345", false},
		{"+1415555010012345", false},
		{"call me", false},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidPhone(tt.address))
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+14155550100", NormalizePhone(" +1 (415) 555.0100 "))
}

func TestValidDeviceToken(t *testing.T) {
	assert.True(t, ValidDeviceToken(strings.Repeat("0f", 32)))
	assert.False(t, ValidDeviceToken(strings.Repeat("0f", 31)))
	assert.False(t, ValidDeviceToken(strings.Repeat("zz", 32)))
}

func TestValidUserID(t *testing.T) {
	assert.True(t, ValidUserID("42"))
	assert.False(t, ValidUserID("0"))
	assert.False(t, ValidUserID("-3"))
	assert.False(t, ValidUserID("abc"))
}

func TestAddressFor(t *testing.T) {
	u := &domain.User{ID: 5, Email: "a@example.com", Phone: "+14155550100"}

	assert.Equal(t, "a@example.com", AddressFor(u, domain.ChannelEmail))
	assert.Equal(t, "+14155550100", AddressFor(u, domain.ChannelSMS))
	assert.Equal(t, "+14155550100", AddressFor(u, domain.ChannelWhatsApp))
	assert.Equal(t, "5", AddressFor(u, domain.ChannelInApp))
	assert.Empty(t, AddressFor(u, domain.ChannelPush))
}
