package push

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamspace-dev/chatrelay/internal/model"
)

func tok(userID, token string, dt model.DeviceType) model.DeviceToken {
	return model.DeviceToken{UserID: userID, Token: token, DeviceType: dt}
}

func TestGroupByPlatform(t *testing.T) {
	grouped := GroupByPlatform([]model.DeviceToken{
		tok("u", "a", model.DeviceIOS),
		tok("u", "b", model.DeviceAndroid),
		tok("u", "c", model.DeviceIOS),
		tok("u", "d", model.DeviceWeb),
	})
	assert.Len(t, grouped[model.DeviceIOS], 2)
	assert.Len(t, grouped[model.DeviceAndroid], 1)
	assert.Len(t, grouped[model.DeviceWeb], 1)
}

func TestChunk(t *testing.T) {
	var tokens []model.DeviceToken
	for i := 0; i < 1201; i++ {
		tokens = append(tokens, tok("u", "t", model.DeviceAndroid))
	}
	chunks := Chunk(tokens, 500)
	assert.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 500)
	assert.Len(t, chunks[1], 500)
	assert.Len(t, chunks[2], 201)

	one := Chunk(tokens[:3], 500)
	assert.Len(t, one, 1)
	assert.Len(t, one[0], 3)
}

func TestIsInvalidTokenCode(t *testing.T) {
	assert.True(t, IsInvalidTokenCode("registration-token-not-registered"))
	assert.True(t, IsInvalidTokenCode("invalid-argument"))
	assert.True(t, IsInvalidTokenCode("invalid-registration-token"))
	assert.False(t, IsInvalidTokenCode("quota-exceeded"))
	assert.False(t, IsInvalidTokenCode(""))
}

func TestFCMErrorCodeMapping(t *testing.T) {
	assert.Equal(t, "registration-token-not-registered", fcmErrorCode("NotRegistered"))
	assert.Equal(t, "invalid-registration-token", fcmErrorCode("InvalidRegistration"))
	assert.Equal(t, "invalid-argument", fcmErrorCode("MissingRegistration"))
	assert.Equal(t, "Unavailable", fcmErrorCode("Unavailable"))
}
