package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
)

// Config holds everything needed to reach one Kafka cluster.
type Config struct {
	Brokers  []string `json:"brokers"`
	ClientID string   `json:"clientId,omitempty"`
	Version  string   `json:"version,omitempty"`
	SASL     *SASL    `json:"sasl,omitempty"`
	TLS      TLS      `json:"tls"`
}

// SASL represents SASL authentication configuration
type SASL struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Algorithm string `json:"algorithm"`
	Enable    bool   `json:"enable"`
}

// TLS represents TLS configuration
type TLS struct {
	CertFile   string `json:"certFile"`
	KeyFile    string `json:"keyFile"`
	CAFile     string `json:"caFile"`
	Enable     bool   `json:"enable"`
	SkipVerify bool   `json:"skipVerify"`
}

// ToSaramaConfig converts the Config to a sarama.Config
func (c *Config) ToSaramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()

	if c.Version == "" {
		c.Version = "2.1.1"
	}
	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("error parsing Kafka version: %w", err)
	}
	conf.Version = version

	if c.SASL != nil && c.SASL.Enable {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch c.SASL.Algorithm {
		case "sha512":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "", "plain":
			conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	if c.TLS.Enable {
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = createTLSConfiguration(c.TLS)
	}

	conf.Producer.Retry.Max = 3
	conf.Producer.Retry.Backoff = time.Second
	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Return.Successes = true
	conf.Consumer.Return.Errors = true
	conf.ClientID = c.ClientID
	if conf.ClientID == "" {
		conf.ClientID = "kafdeck"
	}
	conf.Metadata.Full = true

	return conf, nil
}

func createTLSConfiguration(tlsCfg TLS) *tls.Config {
	t := &tls.Config{
		InsecureSkipVerify: tlsCfg.SkipVerify,
	}

	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" && tlsCfg.CAFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil
		}

		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil
		}

		caCertPool := x509.NewCertPool()
		caCertPool.AppendCertsFromPEM(caCert)

		t.Certificates = []tls.Certificate{cert}
		t.RootCAs = caCertPool
	}

	return t
}

// GetBrokers returns the list of Kafka brokers
func (c *Config) GetBrokers() []string {
	return c.Brokers
}
