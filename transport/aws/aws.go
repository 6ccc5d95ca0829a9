// Package aws provides the AWS SNS/SQS transport. Each relay queue maps to an
// SNS topic with one SQS queue subscribed to it, shared by all workers.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/chatrelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates a new AWS SNS/SQS transport. The SDK clients are stateless
// HTTP clients, so there is no per-call dialer.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("create sns topic resolver: %w", err)
	}
	logger.Info("AWS transport configured", watermill.LogFields{
		"account_id":      accountID,
		"region":          region,
		"custom_endpoint": hasCustomEndpoint(awsCfg),
	})

	snsOpts, sqsOpts := endpointOptions(awsCfg)

	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     *awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("create sns publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            *awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        topicResolver,
			GenerateSqsQueueName: queueNameFromTopic,
		},
		sqs.SubscriberConfig{
			AWSConfig: *awsCfg,
			OptFns:    sqsOpts,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("create sns subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  topicRenamingPublisher{Publisher: publisher},
		Subscriber: topicRenamingSubscriber{Subscriber: subscriber},
	}, nil
}

// TopicName maps a relay queue name onto a valid SNS topic name. SNS allows
// only alphanumerics, hyphens and underscores.
func TopicName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, topic)
}

type topicRenamingPublisher struct {
	message.Publisher
}

func (p topicRenamingPublisher) Publish(topic string, messages ...*message.Message) error {
	return p.Publisher.Publish(TopicName(topic), messages...)
}

type topicRenamingSubscriber struct {
	message.Subscriber
}

func (s topicRenamingSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.Subscriber.Subscribe(ctx, TopicName(topic))
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// queueNameFromTopic names the SQS queue after the SNS topic so every worker
// subscribes to the same queue.
func queueNameFromTopic(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
	topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
	if err != nil {
		return "", err
	}
	return string(topic), nil
}

func loadAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey()
	if accessKey != "" && secretKey != "" {
		logger.Debug("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if region != "" {
		awsCfg.Region = region
	}

	endpoint, err := awsEndpointURL(cfg)
	if err != nil {
		return nil, err
	}
	if endpoint != nil {
		awsCfg.BaseEndpoint = aws.String(endpoint.String())
	}
	return &awsCfg, nil
}

// endpointOptions points the SNS and SQS clients at a custom endpoint such as
// LocalStack.
func endpointOptions(awsCfg *aws.Config) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if !hasCustomEndpoint(awsCfg) {
		return nil, nil
	}
	parsedURL, err := url.Parse(*awsCfg.BaseEndpoint)
	if err != nil {
		return nil, nil
	}
	endpoint := smithyendpoints.Endpoint{URI: *parsedURL}
	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: endpoint}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: endpoint}),
	}
	return snsOpts, sqsOpts
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	if cfg == nil {
		return "", fallbackRegion
	}

	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if cfg.GetAWSEndpoint() != "" && len(accountID) != awsAccountIDLength {
		logger.Info("Using LocalStack account ID", watermill.LogFields{"configured_account_id": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func awsEndpointURL(cfg transport.Config) (*url.URL, error) {
	if cfg == nil || cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}

	parsedURL, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("parse aws endpoint: %w", err)
	}
	return parsedURL, nil
}

func hasCustomEndpoint(cfg *aws.Config) bool {
	return cfg != nil && cfg.BaseEndpoint != nil && *cfg.BaseEndpoint != ""
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
