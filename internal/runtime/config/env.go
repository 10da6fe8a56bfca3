package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables on c. Only variables that are set
// override; parse failures are joined and returned.
//
// RABBITMQ_HOST, RABBITMQ_USERNAME and RABBITMQ_PASSWORD compose
// RabbitMQURL when RABBITMQ_URL is not set.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	strs := map[string]*string{
		"ETL_PUBSUB_SYSTEM":     &c.PubSubSystem,
		"ETL_JOB_ID":            &c.JobID,
		"ETL_SOURCE":            &c.SourceURL,
		"ETL_SINK":              &c.SinkURL,
		"ETL_JOB_MANAGER":       &c.LedgerURL,
		"ETL_POISON_QUEUE":      &c.PoisonQueue,
		"ETL_CONSUMER_GROUP":    &c.ConsumerGroup,
		"ETL_LOG_LEVEL":         &c.LogLevel,
		"ETL_LOG_FORMAT":        &c.LogFormat,
		"RABBITMQ_URL":          &c.RabbitMQURL,
		"RABBITMQ_EXCHANGE":     &c.RabbitMQExchange,
		"RABBITMQ_SOURCE_QUEUE": &c.SourceQueue,
		"RABBITMQ_SINK_QUEUE":   &c.SinkQueue,
		"NATS_URL":              &c.NATSURL,
		"HTTP_SERVER_ADDRESS":   &c.HTTPServerAddress,
		"HTTP_PUBLISHER_URL":    &c.HTTPPublisherURL,
		"AWS_REGION":            &c.AWSRegion,
		"AWS_ACCOUNT_ID":        &c.AWSAccountID,
		"AWS_ACCESS_KEY_ID":     &c.AWSAccessKeyID,
		"AWS_SECRET_ACCESS_KEY": &c.AWSSecretAccessKey,
		"AWS_ENDPOINT_URL":      &c.AWSEndpoint,
	}
	for key, field := range strs {
		if value, ok := lookup(key); ok {
			*field = value
		}
	}

	ints := map[string]*int{
		"ETL_SERVER_PORT":        &c.AdminPort,
		"ETL_RESUME_CONCURRENCY": &c.ResumeConcurrency,
		"ETL_CHANNEL_BUFFER":     &c.ChannelBuffer,
	}
	var errs []error
	for key, field := range ints {
		value, ok := lookup(key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		*field = parsed
	}

	if value, ok := lookup("ETL_METRICS_ENABLED"); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			errs = append(errs, fmt.Errorf("ETL_METRICS_ENABLED: %w", err))
		} else {
			c.MetricsEnabled = parsed
		}
	}
	if value, ok := lookup("ETL_SHUTDOWN_TIMEOUT"); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			errs = append(errs, fmt.Errorf("ETL_SHUTDOWN_TIMEOUT: %w", err))
		} else {
			c.ShutdownTimeout = parsed
		}
	}
	if value, ok := lookup("KAFKA_BROKERS"); ok {
		c.KafkaBrokers = splitList(value)
	}

	if _, ok := lookup("RABBITMQ_URL"); !ok {
		if host, ok := lookup("RABBITMQ_HOST"); ok && host != "" {
			user, _ := lookup("RABBITMQ_USERNAME")
			password, _ := lookup("RABBITMQ_PASSWORD")
			c.RabbitMQURL = rabbitMQURL(host, user, password)
		}
	}

	return errors.Join(errs...)
}

func rabbitMQURL(host, user, password string) string {
	u := url.URL{Scheme: "amqp", Host: host, Path: "/"}
	if user != "" {
		u.User = url.UserPassword(user, password)
	}
	return u.String()
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
