package inventory

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/guacscanner/guacscanner/pkg/retry"
	"github.com/stretchr/testify/require"
)

var testPolicy = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

// fakeEC2 serves canned pages. Unimplemented methods panic through the
// embedded nil interface.
type fakeEC2 struct {
	ec2iface.EC2API

	pages     []*ec2.DescribeInstancesOutput
	errs      []error
	images    []*ec2.Image
	requests  []*ec2.DescribeInstancesInput
	imageReqs []*ec2.DescribeImagesInput
}

func (f *fakeEC2) DescribeInstancesWithContext(ctx aws.Context, in *ec2.DescribeInstancesInput, opts ...request.Option) (*ec2.DescribeInstancesOutput, error) {
	f.requests = append(f.requests, in)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	page := 0
	if in.NextToken != nil {
		fmt.Sscanf(*in.NextToken, "page-%d", &page)
	}
	return f.pages[page], nil
}

func (f *fakeEC2) DescribeImagesWithContext(ctx aws.Context, in *ec2.DescribeImagesInput, opts ...request.Option) (*ec2.DescribeImagesOutput, error) {
	f.imageReqs = append(f.imageReqs, in)
	return &ec2.DescribeImagesOutput{Images: f.images}, nil
}

func ec2Instance(id, address, state, name string) *ec2.Instance {
	inst := &ec2.Instance{
		InstanceId:       aws.String(id),
		PrivateIpAddress: aws.String(address),
		State:            &ec2.InstanceState{Name: aws.String(state)},
		VpcId:            aws.String("vpc-0123abcd"),
		ImageId:          aws.String("ami-" + id),
	}
	if name != "" {
		inst.Tags = []*ec2.Tag{{Key: aws.String("Name"), Value: aws.String(name)}}
	}
	return inst
}

func page(next string, instances ...*ec2.Instance) *ec2.DescribeInstancesOutput {
	out := &ec2.DescribeInstancesOutput{Reservations: []*ec2.Reservation{{Instances: instances}}}
	if next != "" {
		out.NextToken = aws.String(next)
	}
	return out
}

func requireFilter(t *testing.T, in *ec2.DescribeInstancesInput, name, value string) {
	for _, filter := range in.Filters {
		if aws.StringValue(filter.Name) == name {
			for _, v := range filter.Values {
				if aws.StringValue(v) == value {
					return
				}
			}
		}
	}
	require.Fail(t, fmt.Sprintf("Did not have filter %s/%s", name, value))
}

func TestDescribeRequest(t *testing.T) {
	filter := Filter{NetworkID: "vpc-0123abcd", Tags: map[string]string{"guacamole": "", "team": "red"}}
	in := describeRequest(filter, nil)
	require.Nil(t, in.NextToken)
	requireFilter(t, in, "vpc-id", "vpc-0123abcd")
	requireFilter(t, in, "instance-state-name", "running")
	requireFilter(t, in, "tag-key", "guacamole")
	requireFilter(t, in, "tag:team", "red")

	in = describeRequest(filter, aws.String("page-2"))
	require.Equal(t, "page-2", aws.StringValue(in.NextToken))
}

func TestInstancesDrainsPages(t *testing.T) {
	client := &fakeEC2{pages: []*ec2.DescribeInstancesOutput{
		page("page-1", ec2Instance("i-2", "10.0.0.6", "running", "two")),
		page("page-2", ec2Instance("i-1", "10.0.0.5", "running", "one")),
		page("", ec2Instance("i-3", "10.0.0.7", "stopped", "three"), ec2Instance("i-4", "", "running", "")),
	}}
	source := NewEC2Source(client, Filter{NetworkID: "vpc-0123abcd"}, testPolicy)

	instances, err := source.Instances(context.Background())
	require.NoError(t, err)
	require.Len(t, client.requests, 3)
	require.Equal(t, []Instance{
		{ID: "i-1", Name: "one", Address: "10.0.0.5", State: "running", NetworkID: "vpc-0123abcd", ImageID: "ami-i-1"},
		{ID: "i-2", Name: "two", Address: "10.0.0.6", State: "running", NetworkID: "vpc-0123abcd", ImageID: "ami-i-2"},
	}, instances)
	require.Empty(t, client.imageReqs)
}

func TestInstancesEmpty(t *testing.T) {
	client := &fakeEC2{pages: []*ec2.DescribeInstancesOutput{{}}}
	source := NewEC2Source(client, Filter{NetworkID: "vpc-0123abcd"}, testPolicy)

	instances, err := source.Instances(context.Background())
	require.NoError(t, err)
	require.Empty(t, instances)
}

func TestInstancesRetriesThrottling(t *testing.T) {
	client := &fakeEC2{
		pages: []*ec2.DescribeInstancesOutput{page("", ec2Instance("i-1", "10.0.0.5", "running", ""))},
		errs:  []error{awserr.New("RequestLimitExceeded", "slow down", nil), nil},
	}
	source := NewEC2Source(client, Filter{NetworkID: "vpc-0123abcd"}, testPolicy)

	instances, err := source.Instances(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Len(t, client.requests, 2)
}

func TestInstancesGivesUpOnPersistentThrottling(t *testing.T) {
	throttled := awserr.New("Throttling", "slow down", nil)
	client := &fakeEC2{errs: []error{throttled, throttled, throttled}}
	source := NewEC2Source(client, Filter{NetworkID: "vpc-0123abcd"}, testPolicy)

	_, err := source.Instances(context.Background())
	require.Error(t, err)
	require.True(t, retry.IsTransient(err))
	require.Len(t, client.requests, 3)
}

func TestInstancesAuthFailureIsFatal(t *testing.T) {
	client := &fakeEC2{errs: []error{awserr.New("AuthFailure", "bad credentials", nil)}}
	source := NewEC2Source(client, Filter{NetworkID: "vpc-0123abcd"}, testPolicy)

	_, err := source.Instances(context.Background())
	require.Error(t, err)
	require.True(t, IsAuth(err))
	require.False(t, retry.IsTransient(err))
	require.Len(t, client.requests, 1)
}

func TestInstancesSkipList(t *testing.T) {
	client := &fakeEC2{
		pages: []*ec2.DescribeInstancesOutput{page("",
			ec2Instance("i-1", "10.0.0.5", "running", "kali"),
			ec2Instance("i-2", "10.0.0.6", "running", "gateway"),
			ec2Instance("i-3", "10.0.0.7", "running", "orphan"),
		)},
		images: []*ec2.Image{
			{ImageId: aws.String("ami-i-1"), Name: aws.String("kali-2024")},
			{ImageId: aws.String("ami-i-2"), Name: aws.String("guacamole-1.5")},
		},
	}
	skip, err := CompileSkipImages(DefaultSkipImages)
	require.NoError(t, err)
	source := NewEC2Source(client, Filter{NetworkID: "vpc-0123abcd", SkipImages: skip}, testPolicy)

	instances, err := source.Instances(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 2)
	require.Equal(t, "i-1", instances[0].ID)
	require.False(t, instances[0].Unresolved)
	require.Equal(t, "i-3", instances[1].ID)
	require.True(t, instances[1].Unresolved)
	require.Len(t, client.imageReqs, 1)
}

func TestParseTags(t *testing.T) {
	tags, err := ParseTags([]string{"guacamole", "team=red", "empty=", ""})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"guacamole": "", "team": "red", "empty": ""}, tags)

	_, err = ParseTags([]string{"=value"})
	require.Error(t, err)
}

func TestCompileSkipImages(t *testing.T) {
	res, err := CompileSkipImages([]string{`^nessus-.*$`})
	require.NoError(t, err)
	require.Equal(t, []*regexp.Regexp{regexp.MustCompile(`^nessus-.*$`)}, res)

	_, err = CompileSkipImages([]string{`(`})
	require.Error(t, err)
}

func TestValidNetworkID(t *testing.T) {
	require.True(t, ValidNetworkID("vpc-0123abcd"))
	require.True(t, ValidNetworkID("vpc-0123456789abcdef0"))
	require.False(t, ValidNetworkID("vpc-123"))
	require.False(t, ValidNetworkID("subnet-0123abcd"))
}

type fakeMetadata struct {
	available bool
	doc       ec2metadata.EC2InstanceIdentityDocument
}

func (f fakeMetadata) AvailableWithContext(ctx aws.Context) bool { return f.available }

func (f fakeMetadata) GetInstanceIdentityDocumentWithContext(ctx aws.Context) (ec2metadata.EC2InstanceIdentityDocument, error) {
	return f.doc, nil
}

func TestDiscoverNetwork(t *testing.T) {
	md := fakeMetadata{available: true, doc: ec2metadata.EC2InstanceIdentityDocument{InstanceID: "i-self", Region: "us-west-2"}}
	client := &fakeEC2{pages: []*ec2.DescribeInstancesOutput{page("", ec2Instance("i-self", "10.0.0.2", "running", ""))}}

	vpc, err := DiscoverNetwork(context.Background(), md, client)
	require.NoError(t, err)
	require.Equal(t, "vpc-0123abcd", vpc)
	require.Equal(t, "i-self", aws.StringValue(client.requests[0].InstanceIds[0]))

	region, err := DiscoverRegion(context.Background(), md)
	require.NoError(t, err)
	require.Equal(t, "us-west-2", region)

	_, err = DiscoverNetwork(context.Background(), fakeMetadata{}, client)
	require.Error(t, err)
}
