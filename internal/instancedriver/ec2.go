package instancedriver

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// instanceTypeMemoryMiB is the static lookup table of RAM per EC2 instance
// type. A conductor only needs to know this for the handful of instance
// types its pools actually use, so there is no need to call the pricing or
// instance-types API at runtime.
var instanceTypeMemoryMiB = map[string]int{
	"t2.micro":   1024,
	"t2.small":   2048,
	"t2.medium":  4096,
	"t2.large":   8192,
	"t2.xlarge":  16384,
	"t3.micro":   1024,
	"t3.small":   2048,
	"t3.medium":  4096,
	"t3.large":   8192,
	"t3.xlarge":  16384,
	"t3.2xlarge": 32768,
	"m5.large":   8192,
	"m5.xlarge":  16384,
	"m5.2xlarge": 32768,
	"m5.4xlarge": 65536,
	"r5.large":   16384,
	"r5.xlarge":  32768,
	"r5.2xlarge": 65536,
}

// ec2StateCodes maps the low byte of the EC2 instance-state Code field (the
// high byte is a reserved, provider-internal value) to the conductor's own
// state names, matching AWS's published state codes exactly. The names are
// the values of package minion's State* constants, written out here because
// minion imports this package.
var ec2StateCodes = map[int32]string{
	0:  "PENDING",
	16: "RUNNING",
	32: "SHUTTING_DOWN",
	48: "TERMINATED",
	64: "STOPPING",
	80: "STOPPED",
}

// EC2Driver implements InstanceDriver against Amazon EC2 via aws-sdk-go-v2.
type EC2Driver struct {
	client *ec2.Client
}

// EC2Config configures credentials and region for NewEC2Driver. AccessKey
// and SecretKey are optional; when empty the SDK's default credential chain
// (environment, shared config, instance profile) is used instead.
type EC2Config struct {
	Region    string
	AccessKey string
	SecretKey string
}

// NewEC2Driver builds an EC2Driver, resolving credentials up front so
// misconfiguration is reported at startup rather than on the first poll.
func NewEC2Driver(ctx context.Context, cfg EC2Config) (*EC2Driver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &EC2Driver{client: ec2.NewFromConfig(awsCfg)}, nil
}

func (d *EC2Driver) FindInstances(tags map[string]string) ([]Instance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	filters := make([]ec2types.Filter, 0, len(tags))
	for k, v := range tags {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("tag:" + k),
			Values: []string{v},
		})
	}

	out, err := d.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}

	var result []Instance
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.State != nil && aws.ToInt32(&inst.State.Code)&0xFF == 48 {
				continue // terminated; not interesting to a pool
			}
			name := tagValue(inst.Tags, "Name")
			if name == "" {
				return nil, fmt.Errorf("instance %s has no Name tag", aws.ToString(inst.InstanceId))
			}
			result = append(result, Instance{
				ID:           aws.ToString(inst.InstanceId),
				Name:         name,
				InstanceType: string(inst.InstanceType),
				IP:           aws.ToString(inst.PrivateIpAddress),
			})
		}
	}
	return result, nil
}

func (d *EC2Driver) DescribeInstance(id string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := d.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return "", "", fmt.Errorf("describe instance %s: %w", id, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return "", "", fmt.Errorf("instance %s not found", id)
	}
	inst := out.Reservations[0].Instances[0]
	code := int32(0)
	if inst.State != nil {
		code = inst.State.Code & 0xFF
	}
	state, ok := ec2StateCodes[code]
	if !ok {
		return "", "", fmt.Errorf("instance %s has unrecognized state code %d", id, code)
	}
	return state, aws.ToString(inst.PrivateIpAddress), nil
}

func (d *EC2Driver) StartInstance(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := d.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}})
	return err
}

func (d *EC2Driver) StopInstance(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := d.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
	return err
}

func (d *EC2Driver) MemoryMiB(instanceType string) (int, bool) {
	mem, ok := instanceTypeMemoryMiB[instanceType]
	return mem, ok
}

func tagValue(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}
