// Package inventory discovers the running EC2 instances of a VPC that are
// eligible for a gateway connection.
package inventory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/guacscanner/guacscanner/pkg/retry"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// StateRunning is the only lifecycle state that qualifies an instance.
const StateRunning = ec2.InstanceStateNameRunning

// DefaultSkipImages are the image name patterns excluded by default.
var DefaultSkipImages = []string{
	`^guacamole-.*$`,
	`^nessus-.*$`,
	`^samba-.*$`,
}

// Instance is the minimal view of a compute instance the reconciler needs.
// It is recomputed every cycle and never persisted.
type Instance struct {
	ID        string
	Name      string
	Address   string
	State     string
	NetworkID string
	Platform  string
	ImageID   string

	// Unresolved is set when the instance's image could not be looked up,
	// so it is unknown whether the skip list applies.
	Unresolved bool
}

// Filter selects the instances of interest.
type Filter struct {
	// NetworkID is the VPC to scan.
	NetworkID string
	// Tags must all be present. An empty value only requires the key.
	Tags map[string]string
	// SkipImages excludes instances whose image name matches.
	SkipImages []*regexp.Regexp
}

// EC2Source lists instances through the EC2 API.
type EC2Source struct {
	Client ec2iface.EC2API
	Filter Filter
	Policy retry.Policy
}

// NewEC2Source creates a source reading from client.
func NewEC2Source(client ec2iface.EC2API, filter Filter, policy retry.Policy) *EC2Source {
	return &EC2Source{Client: client, Filter: filter, Policy: policy.WithKind(retry.KindProvider)}
}

func describeRequest(filter Filter, nextToken *string) *ec2.DescribeInstancesInput {
	filters := []*ec2.Filter{
		{
			Name:   aws.String("vpc-id"),
			Values: []*string{aws.String(filter.NetworkID)},
		},
		{
			Name:   aws.String("instance-state-name"),
			Values: []*string{aws.String(StateRunning)},
		},
	}

	// Sorted for predictable requests.
	var keys []string
	for k := range filter.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := filter.Tags[key]
		if value == "" {
			filters = append(filters, &ec2.Filter{
				Name:   aws.String("tag-key"),
				Values: []*string{aws.String(key)},
			})
			continue
		}
		filters = append(filters, &ec2.Filter{
			Name:   aws.String(fmt.Sprintf("tag:%s", key)),
			Values: []*string{aws.String(value)},
		})
	}

	return &ec2.DescribeInstancesInput{NextToken: nextToken, Filters: filters}
}

// Instances drains every page of DescribeInstances and returns the running
// instances that pass the filter. An empty result is not an error.
func (s *EC2Source) Instances(ctx context.Context) ([]Instance, error) {
	var (
		instances []Instance
		nextToken *string
	)
	for {
		input := describeRequest(s.Filter, nextToken)
		out, err := retry.Value(ctx, s.Policy, "DescribeInstances", func(ctx context.Context) (*ec2.DescribeInstancesOutput, error) {
			out, err := s.Client.DescribeInstancesWithContext(ctx, input)
			return out, classify(err)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "describe instances in %s", s.Filter.NetworkID)
		}

		for _, reservation := range out.Reservations {
			for _, ec2Instance := range reservation.Instances {
				if inst, ok := toInstance(ec2Instance); ok {
					instances = append(instances, inst)
				}
			}
		}

		if aws.StringValue(out.NextToken) == "" {
			break
		}
		nextToken = out.NextToken
	}

	instances, err := s.applySkipList(ctx, instances)
	if err != nil {
		return nil, err
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

func toInstance(ec2Instance *ec2.Instance) (Instance, bool) {
	inst := Instance{
		ID:        aws.StringValue(ec2Instance.InstanceId),
		Address:   aws.StringValue(ec2Instance.PrivateIpAddress),
		NetworkID: aws.StringValue(ec2Instance.VpcId),
		Platform:  aws.StringValue(ec2Instance.Platform),
		ImageID:   aws.StringValue(ec2Instance.ImageId),
	}
	if ec2Instance.State != nil {
		inst.State = aws.StringValue(ec2Instance.State.Name)
	}
	for _, tag := range ec2Instance.Tags {
		if aws.StringValue(tag.Key) == "Name" {
			inst.Name = aws.StringValue(tag.Value)
		}
	}

	logger := log.WithField("instance", inst.ID)
	switch {
	case inst.ID == "":
		logger.Warn("Ignoring instance without an id")
		return inst, false
	case inst.State != StateRunning:
		logger.Debugf("Ignoring instance in state %s", inst.State)
		return inst, false
	case inst.Address == "":
		logger.Warn("Ignoring running instance without a private address")
		return inst, false
	}
	return inst, true
}

// applySkipList drops instances running a skipped image and flags instances
// whose image is no longer visible.
func (s *EC2Source) applySkipList(ctx context.Context, instances []Instance) ([]Instance, error) {
	if len(s.Filter.SkipImages) == 0 || len(instances) == 0 {
		return instances, nil
	}

	seen := map[string]bool{}
	var ids []*string
	for _, inst := range instances {
		if inst.ImageID != "" && !seen[inst.ImageID] {
			seen[inst.ImageID] = true
			ids = append(ids, aws.String(inst.ImageID))
		}
	}

	// A filter rather than ImageIds, so images that disappeared are simply
	// missing from the answer instead of failing the whole call.
	input := &ec2.DescribeImagesInput{
		Filters: []*ec2.Filter{{Name: aws.String("image-id"), Values: ids}},
	}
	out, err := retry.Value(ctx, s.Policy, "DescribeImages", func(ctx context.Context) (*ec2.DescribeImagesOutput, error) {
		out, err := s.Client.DescribeImagesWithContext(ctx, input)
		return out, classify(err)
	})
	if err != nil {
		return nil, errors.Wrap(err, "describe images")
	}

	names := map[string]string{}
	for _, image := range out.Images {
		names[aws.StringValue(image.ImageId)] = aws.StringValue(image.Name)
	}

	result := instances[:0]
	for _, inst := range instances {
		name, ok := names[inst.ImageID]
		if !ok {
			log.WithFields(log.Fields{"instance": inst.ID, "image": inst.ImageID}).
				Warn("Unable to determine the image name, leaving the instance's connection as it is")
			inst.Unresolved = true
			result = append(result, inst)
			continue
		}
		if s.skipped(name) {
			log.WithFields(log.Fields{"instance": inst.ID, "image": name}).Debug("Skipping instance running an excluded image")
			continue
		}
		result = append(result, inst)
	}
	return result, nil
}

func (s *EC2Source) skipped(imageName string) bool {
	for _, re := range s.Filter.SkipImages {
		if re.MatchString(imageName) {
			return true
		}
	}
	return false
}

// ParseTags turns key[=value] arguments into a tag filter.
func ParseTags(args []string) (map[string]string, error) {
	tags := map[string]string{}
	for _, arg := range args {
		if arg == "" {
			continue
		}
		parts := strings.SplitN(arg, "=", 2)
		key := strings.TrimSpace(parts[0])
		if key == "" {
			return nil, errors.Errorf("invalid tag %q: empty key", arg)
		}
		value := ""
		if len(parts) == 2 {
			value = parts[1]
		}
		tags[key] = value
	}
	return tags, nil
}

// CompileSkipImages compiles image name patterns.
func CompileSkipImages(patterns []string) ([]*regexp.Regexp, error) {
	var result []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid image pattern %q", p)
		}
		result = append(result, re)
	}
	return result, nil
}
