package inventory

import (
	"context"
	"regexp"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultRegion is used when neither a flag nor instance metadata names one.
const DefaultRegion = "us-east-1"

var vpcIDRegex = regexp.MustCompile(`^vpc-([0-9a-f]{8}|[0-9a-f]{17})$`)

// ValidNetworkID reports whether id looks like a VPC id.
func ValidNetworkID(id string) bool {
	return vpcIDRegex.MatchString(id)
}

// SessionOptions configure the AWS session.
type SessionOptions struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewSession builds an AWS session with the usual credential chain: static
// credentials when given, then the environment, the shared credentials file
// and finally the instance role. The SDK's own retries are disabled; callers
// retry through a retry.Policy.
func NewSession(opts SessionOptions) (*session.Session, error) {
	var providers []credentials.Provider
	if (opts.AccessKeyID != "" && opts.SecretAccessKey != "") || opts.SessionToken != "" {
		providers = append(providers, &credentials.StaticProvider{
			Value: credentials.Value{
				AccessKeyID:     opts.AccessKeyID,
				SecretAccessKey: opts.SecretAccessKey,
				SessionToken:    opts.SessionToken,
			},
		})
	}

	base, err := session.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "create AWS session")
	}
	providers = append(providers,
		&credentials.EnvProvider{},
		&credentials.SharedCredentialsProvider{},
		&ec2rolecreds.EC2RoleProvider{Client: ec2metadata.New(base)},
	)

	region := opts.Region
	if region == "" {
		region = DefaultRegion
	}

	sess, err := session.NewSession(aws.NewConfig().
		WithRegion(region).
		WithCredentials(credentials.NewChainCredentials(providers)).
		WithMaxRetries(0))
	if err != nil {
		return nil, errors.Wrap(err, "create AWS session")
	}
	return sess, nil
}

// Metadata is the subset of the instance metadata client used for discovery.
type Metadata interface {
	AvailableWithContext(ctx aws.Context) bool
	GetInstanceIdentityDocumentWithContext(ctx aws.Context) (ec2metadata.EC2InstanceIdentityDocument, error)
}

// NewMetadata returns a metadata client.
func NewMetadata() (Metadata, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "create AWS session")
	}
	return ec2metadata.New(sess), nil
}

// DiscoverRegion returns the region of the instance we run on.
func DiscoverRegion(ctx context.Context, md Metadata) (string, error) {
	if !md.AvailableWithContext(ctx) {
		return "", errors.New("EC2 instance metadata is not available")
	}
	doc, err := md.GetInstanceIdentityDocumentWithContext(ctx)
	if err != nil {
		return "", errors.Wrap(err, "read instance identity document")
	}
	return doc.Region, nil
}

// DiscoverNetwork returns the VPC of the instance we run on.
func DiscoverNetwork(ctx context.Context, md Metadata, client ec2iface.EC2API) (string, error) {
	if !md.AvailableWithContext(ctx) {
		return "", errors.New("EC2 instance metadata is not available, specify the VPC explicitly")
	}
	doc, err := md.GetInstanceIdentityDocumentWithContext(ctx)
	if err != nil {
		return "", errors.Wrap(err, "read instance identity document")
	}

	out, err := client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(doc.InstanceID)},
	})
	if err != nil {
		return "", errors.Wrapf(classify(err), "describe instance %s", doc.InstanceID)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return "", errors.Errorf("instance %s not found", doc.InstanceID)
	}
	vpcID := aws.StringValue(out.Reservations[0].Instances[0].VpcId)
	if vpcID == "" {
		return "", errors.Errorf("instance %s is not in a VPC", doc.InstanceID)
	}
	log.WithFields(log.Fields{"instance": doc.InstanceID, "vpc": vpcID}).Info("Discovered VPC from instance metadata")
	return vpcID, nil
}
