package kafka

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// SASL 认证机制
const (
	SASLMechanismPlain       = "PLAIN"
	SASLMechanismSCRAMSHA256 = "SCRAM-SHA-256"
	SASLMechanismSCRAMSHA512 = "SCRAM-SHA-512"
)

// SASLConfig SASL 认证配置, Mechanism 为空表示不认证
type SASLConfig struct {
	Mechanism string
	Username  string
	Password  string
}

var (
	sha256Generator scram.HashGeneratorFcn = func() hash.Hash { return sha256.New() }
	sha512Generator scram.HashGeneratorFcn = func() hash.Hash { return sha512.New() }
)

// scramClient 基于 xdg-go/scram 实现 sarama.SCRAMClient
type scramClient struct {
	*scram.ClientConversation
	hashGenerator scram.HashGeneratorFcn
}

// Begin 以用户凭据开始一轮 SCRAM 会话
func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.hashGenerator.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.ClientConversation = client.NewConversation()
	return nil
}

// Step 处理服务端挑战
func (c *scramClient) Step(challenge string) (string, error) {
	return c.ClientConversation.Step(challenge)
}

// Done 会话是否结束
func (c *scramClient) Done() bool {
	return c.ClientConversation.Done()
}

// applySASL 将认证配置写入 sarama 配置
func applySASL(config *sarama.Config, sasl *SASLConfig) {
	if sasl == nil || sasl.Mechanism == "" {
		return
	}
	config.Net.SASL.Enable = true
	config.Net.SASL.User = sasl.Username
	config.Net.SASL.Password = sasl.Password

	switch sasl.Mechanism {
	case SASLMechanismSCRAMSHA256:
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{hashGenerator: sha256Generator}
		}
	case SASLMechanismSCRAMSHA512:
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{hashGenerator: sha512Generator}
		}
	default:
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	}
}
