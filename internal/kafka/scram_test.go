package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xdg-go/scram"
)

func TestNewSaramaConfig_SASL(t *testing.T) {
	config := newSaramaConfig(&ProducerConfig{})
	assert.False(t, config.Net.SASL.Enable)

	config = newSaramaConfig(&ProducerConfig{SASL: &SASLConfig{Mechanism: SASLMechanismPlain, Username: "svc", Password: "secret"}})
	assert.True(t, config.Net.SASL.Enable)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypePlaintext), config.Net.SASL.Mechanism)
	assert.Equal(t, "svc", config.Net.SASL.User)
	assert.Nil(t, config.Net.SASL.SCRAMClientGeneratorFunc)

	config = newSaramaConfig(&ProducerConfig{SASL: &SASLConfig{Mechanism: SASLMechanismSCRAMSHA512, Username: "svc", Password: "secret"}})
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), config.Net.SASL.Mechanism)
	require.NotNil(t, config.Net.SASL.SCRAMClientGeneratorFunc)
}

func TestSCRAMClient_Handshake(t *testing.T) {
	tests := []struct {
		mechanism string
		generator scram.HashGeneratorFcn
	}{
		{SASLMechanismSCRAMSHA256, sha256Generator},
		{SASLMechanismSCRAMSHA512, sha512Generator},
	}

	for _, tt := range tests {
		t.Run(tt.mechanism, func(t *testing.T) {
			config := newSaramaConfig(&ProducerConfig{SASL: &SASLConfig{Mechanism: tt.mechanism, Username: "svc", Password: "secret"}})
			client := config.Net.SASL.SCRAMClientGeneratorFunc()
			require.NoError(t, client.Begin("svc", "secret", ""))

			// 服务端用同一口令派生的凭据校验
			ref, err := tt.generator.NewClient("svc", "secret", "")
			require.NoError(t, err)
			creds := ref.GetStoredCredentials(scram.KeyFactors{Salt: "balance-salt", Iters: 4096})
			server, err := tt.generator.NewServer(func(string) (scram.StoredCredentials, error) {
				return creds, nil
			})
			require.NoError(t, err)
			conv := server.NewConversation()

			msg, err := client.Step("")
			require.NoError(t, err)
			for !client.Done() {
				challenge, err := conv.Step(msg)
				require.NoError(t, err)
				msg, err = client.Step(challenge)
				require.NoError(t, err)
			}
			assert.True(t, conv.Valid())
		})
	}
}
