package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// NewClients builds AWS-backed implementations of every provider interface
// using the default credential chain.
func NewClients(ctx context.Context, region string) (*Clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Clients{
		Objects:  &s3Store{client: s3.NewFromConfig(cfg), region: region},
		Registry: &ecrRegistry{client: ecr.NewFromConfig(cfg)},
		Builds:   &codeBuildService{client: codebuild.NewFromConfig(cfg), logs: cloudwatchlogs.NewFromConfig(cfg)},
		Identity: &iamIdentity{iam: iam.NewFromConfig(cfg), sts: sts.NewFromConfig(cfg)},
		Compute:  &ec2Compute{client: ec2.NewFromConfig(cfg)},
	}, nil
}

func apiErrCode(err error, codes ...string) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	for _, c := range codes {
		if ae.ErrorCode() == c {
			return true
		}
	}
	return false
}

type s3Store struct {
	client *s3.Client
	region string
}

func (s *s3Store) EnsureBucket(ctx context.Context, bucket string) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 rejects an explicit location constraint.
	if s.region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.region),
		}
	}
	_, err := s.client.CreateBucket(ctx, in)
	if err != nil && apiErrCode(err, "BucketAlreadyOwnedByYou") {
		return nil
	}
	return err
}

func (s *s3Store) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	return err
}

func (s *s3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if apiErrCode(err, "NoSuchKey", "NoSuchBucket") {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *s3Store) Head(ctx context.Context, bucket, key string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// HeadObject reports a bare 404 rather than NoSuchKey.
		if apiErrCode(err, "NotFound", "NoSuchKey", "NoSuchBucket") {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *s3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

func (s *s3Store) DeleteBucket(ctx context.Context, bucket string) error {
	_, err := s.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	return err
}

type ecrRegistry struct {
	client *ecr.Client
}

func (r *ecrRegistry) EnsureRepository(ctx context.Context, name string) error {
	_, err := r.client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
	})
	if err != nil && apiErrCode(err, "RepositoryAlreadyExistsException") {
		return nil
	}
	return err
}

func (r *ecrRegistry) ListTags(ctx context.Context, name string) ([]string, error) {
	var tags []string
	var token *string
	for {
		out, err := r.client.ListImages(ctx, &ecr.ListImagesInput{
			RepositoryName: aws.String(name),
			NextToken:      token,
		})
		if err != nil {
			if apiErrCode(err, "RepositoryNotFoundException") {
				return nil, nil
			}
			return nil, err
		}
		for _, id := range out.ImageIds {
			if id.ImageTag != nil {
				tags = append(tags, *id.ImageTag)
			}
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	return tags, nil
}

func (r *ecrRegistry) DeleteImage(ctx context.Context, repository, tag string) error {
	_, err := r.client.BatchDeleteImage(ctx, &ecr.BatchDeleteImageInput{
		RepositoryName: aws.String(repository),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	return err
}

type codeBuildService struct {
	client *codebuild.Client
	logs   *cloudwatchlogs.Client
}

func (c *codeBuildService) CreateProject(ctx context.Context, spec ProjectSpec) error {
	vars := make([]cbtypes.EnvironmentVariable, 0, len(spec.Env))
	for k, v := range spec.Env {
		vars = append(vars, cbtypes.EnvironmentVariable{
			Name:  aws.String(k),
			Value: aws.String(v),
		})
	}
	_, err := c.client.CreateProject(ctx, &codebuild.CreateProjectInput{
		Name: aws.String(spec.Name),
		Source: &cbtypes.ProjectSource{
			Type:     cbtypes.SourceTypeS3,
			Location: aws.String(spec.SourceBucket + "/" + spec.SourceKey),
		},
		Artifacts: &cbtypes.ProjectArtifacts{Type: cbtypes.ArtifactsTypeNoArtifacts},
		Environment: &cbtypes.ProjectEnvironment{
			Type:                 cbtypes.EnvironmentTypeLinuxContainer,
			Image:                aws.String("aws/codebuild/standard:7.0"),
			ComputeType:          cbtypes.ComputeTypeBuildGeneral1Medium,
			PrivilegedMode:       aws.Bool(true),
			EnvironmentVariables: vars,
		},
		ServiceRole: aws.String(spec.ServiceRole),
	})
	return err
}

func (c *codeBuildService) StartBuild(ctx context.Context, project string) (string, error) {
	out, err := c.client.StartBuild(ctx, &codebuild.StartBuildInput{
		ProjectName: aws.String(project),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.Build.Id), nil
}

func (c *codeBuildService) BuildStatus(ctx context.Context, buildID string) (string, error) {
	out, err := c.client.BatchGetBuilds(ctx, &codebuild.BatchGetBuildsInput{
		Ids: []string{buildID},
	})
	if err != nil {
		return "", err
	}
	if len(out.Builds) == 0 {
		return "", fmt.Errorf("build %s not found", buildID)
	}
	return string(out.Builds[0].BuildStatus), nil
}

func (c *codeBuildService) BuildLogs(ctx context.Context, project string) ([]string, error) {
	group := "/aws/codebuild/" + project
	streams, err := c.logs.DescribeLogStreams(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName: aws.String(group),
		OrderBy:      cwltypes.OrderByLastEventTime,
		Descending:   aws.Bool(true),
		Limit:        aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	if len(streams.LogStreams) == 0 {
		return nil, nil
	}
	events, err := c.logs.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(group),
		LogStreamName: streams.LogStreams[0].LogStreamName,
		StartFromHead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(events.Events))
	for _, ev := range events.Events {
		lines = append(lines, aws.ToString(ev.Message))
	}
	return lines, nil
}

func (c *codeBuildService) DeleteProject(ctx context.Context, name string) error {
	_, err := c.client.DeleteProject(ctx, &codebuild.DeleteProjectInput{Name: aws.String(name)})
	return err
}

type iamIdentity struct {
	iam *iam.Client
	sts *sts.Client
}

func (i *iamIdentity) RoleExists(ctx context.Context, name string) (bool, error) {
	_, err := i.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		if apiErrCode(err, "NoSuchEntity") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (i *iamIdentity) CreateRole(ctx context.Context, spec RoleSpec) error {
	_, err := i.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(spec.Name),
		AssumeRolePolicyDocument: aws.String(spec.TrustPolicy),
	})
	if err != nil && !apiErrCode(err, "EntityAlreadyExists") {
		return err
	}
	for _, arn := range spec.PolicyARNs {
		_, err := i.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(spec.Name),
			PolicyArn: aws.String(arn),
		})
		if err != nil {
			return err
		}
	}
	if spec.InstanceProfile {
		_, err := i.iam.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
			InstanceProfileName: aws.String(spec.Name),
		})
		if err != nil && !apiErrCode(err, "EntityAlreadyExists") {
			return err
		}
		_, err = i.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
			InstanceProfileName: aws.String(spec.Name),
			RoleName:            aws.String(spec.Name),
		})
		if err != nil && !apiErrCode(err, "LimitExceeded", "EntityAlreadyExists") {
			return err
		}
	}
	return nil
}

func (i *iamIdentity) AccountID(ctx context.Context) (string, error) {
	out, err := i.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.Account), nil
}

type ec2Compute struct {
	client *ec2.Client
}

func (e *ec2Compute) DefaultSubnet(ctx context.Context) (string, string, error) {
	vpcs, err := e.client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("isDefault"), Values: []string{"true"}},
		},
	})
	if err != nil {
		return "", "", err
	}
	if len(vpcs.Vpcs) == 0 {
		return "", "", fmt.Errorf("no default VPC in region")
	}
	vpcID := aws.ToString(vpcs.Vpcs[0].VpcId)

	subnets, err := e.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
		},
	})
	if err != nil {
		return "", "", err
	}
	if len(subnets.Subnets) == 0 {
		return "", "", fmt.Errorf("no subnet in default VPC %s", vpcID)
	}
	return vpcID, aws.ToString(subnets.Subnets[0].SubnetId), nil
}

func (e *ec2Compute) CreateSecurityGroup(ctx context.Context, name, description, vpcID string) (string, error) {
	out, err := e.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String(description),
		VpcId:       aws.String(vpcID),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.GroupId), nil
}

func (e *ec2Compute) RunInstance(ctx context.Context, spec LaunchSpec) (string, error) {
	tags := make([]ec2types.Tag, 0, len(spec.Tags))
	for k, v := range spec.Tags {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	out, err := e.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(spec.ImageID),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		InstanceType:     ec2types.InstanceType(spec.InstanceType),
		SubnetId:         aws.String(spec.SubnetID),
		SecurityGroupIds: []string{spec.SecurityGroupID},
		UserData:         aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData))),
		IamInstanceProfile: &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(spec.InstanceProfile),
		},
		InstanceInitiatedShutdownBehavior: ec2types.ShutdownBehaviorTerminate,
		MetadataOptions: &ec2types.InstanceMetadataOptionsRequest{
			HttpEndpoint:            ec2types.InstanceMetadataEndpointStateEnabled,
			HttpTokens:              ec2types.HttpTokensStateOptional,
			HttpPutResponseHopLimit: aws.Int32(1),
			InstanceMetadataTags:    ec2types.InstanceMetadataTagsStateEnabled,
		},
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
		},
	})
	if err != nil {
		return "", err
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("run instances returned no instance")
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func (e *ec2Compute) DescribeInstance(ctx context.Context, instanceID string) (InstanceStatus, error) {
	out, err := e.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return InstanceStatus{}, err
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return InstanceStatus{}, fmt.Errorf("instance %s not found", instanceID)
	}
	status := InstanceStatus{
		State:          string(out.Reservations[0].Instances[0].State.Name),
		SystemStatus:   "initializing",
		InstanceStatus: "initializing",
	}

	// Status checks are only reported once the instance is up; absence is
	// not an error.
	checks, err := e.client.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds: []string{instanceID},
	})
	if err == nil && len(checks.InstanceStatuses) > 0 {
		st := checks.InstanceStatuses[0]
		if st.SystemStatus != nil {
			status.SystemStatus = string(st.SystemStatus.Status)
		}
		if st.InstanceStatus != nil {
			status.InstanceStatus = string(st.InstanceStatus.Status)
		}
	}
	return status, nil
}

func (e *ec2Compute) ConsoleOutput(ctx context.Context, instanceID string) (string, error) {
	out, err := e.client.GetConsoleOutput(ctx, &ec2.GetConsoleOutputInput{
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		return "", err
	}
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(out.Output))
	if err != nil {
		return aws.ToString(out.Output), nil
	}
	return string(decoded), nil
}

func (e *ec2Compute) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := e.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	return err
}

func (e *ec2Compute) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	_, err := e.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: aws.String(groupID),
	})
	return err
}
