package deploy

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"log"
	"math/rand"
	"os"

	"agent-executor/internal/cloud"
	"agent-executor/internal/config"
)

const buildspec = `version: 0.2

phases:
  pre_build:
    commands:
      - echo Logging in to Amazon ECR...
      - aws ecr get-login-password --region $AWS_DEFAULT_REGION | docker login --username AWS --password-stdin $AWS_ACCOUNT_ID.dkr.ecr.$AWS_DEFAULT_REGION.amazonaws.com
  build:
    commands:
      - echo "Build started on $(date)"
      - docker build -t $AWS_ACCOUNT_ID.dkr.ecr.$AWS_DEFAULT_REGION.amazonaws.com/$IMAGE_REPO_NAME:$IMAGE_TAG .
  post_build:
    commands:
      - echo "Build completed on $(date)"
      - docker push $AWS_ACCOUNT_ID.dkr.ecr.$AWS_DEFAULT_REGION.amazonaws.com/$IMAGE_REPO_NAME:$IMAGE_TAG
`

// Builder ensures a versioned runtime image exists in the registry, building
// it remotely only when the content-hash tag is absent.
type Builder struct {
	cfg         *config.Config
	registry    cloud.ImageRegistry
	builds      cloud.BuildService
	objects     cloud.ObjectStore
	provisioner *Provisioner
	resources   *Resources
	logger      *log.Logger
}

func NewBuilder(cfg *config.Config, clients *cloud.Clients, prov *Provisioner, res *Resources, logger *log.Logger) *Builder {
	return &Builder{
		cfg:         cfg,
		registry:    clients.Registry,
		builds:      clients.Builds,
		objects:     clients.Objects,
		provisioner: prov,
		resources:   res,
		logger:      logger,
	}
}

// ImageTag computes the deterministic version tag from the build-input file
// contents. Same inputs, same tag.
func ImageTag(inputs ...string) (string, error) {
	h := md5.New()
	for _, path := range inputs {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return "", &BuildInputMissingError{Path: path}
			}
			return "", err
		}
		h.Write(data)
	}
	return fmt.Sprintf("runtime-%x", h.Sum(nil))[:len("runtime-")+8], nil
}

// EnsureImage returns the current image tag, building and publishing the
// image first if the registry does not have it. Rebuilding never happens for
// unchanged inputs.
func (b *Builder) EnsureImage(ctx context.Context, account string) (string, error) {
	tag, err := ImageTag(b.cfg.Build.Dockerfile, b.cfg.Build.Requirements)
	if err != nil {
		return "", err
	}

	repo := b.cfg.Names.Repository
	tags, err := b.registry.ListTags(ctx, repo)
	if err != nil {
		b.logger.Printf("could not check existing images: %v", err)
	}
	for _, t := range tags {
		if t == tag {
			b.logger.Printf("image %s already exists, skipping build", tag)
			return tag, nil
		}
	}

	if err := b.registry.EnsureRepository(ctx, repo); err != nil {
		return "", fmt.Errorf("create repository %s: %w", repo, err)
	}

	if err := b.buildRemote(ctx, account, tag); err != nil {
		return "", err
	}

	b.pruneOldImages(ctx, repo, tag)
	return tag, nil
}

// buildRemote ships the build context to a transient staging bucket, runs a
// remote build job, and tears the staging resources down once the outcome is
// known, success or failure.
func (b *Builder) buildRemote(ctx context.Context, account, tag string) error {
	suffix := 1000 + rand.Intn(9000)
	project := fmt.Sprintf("%s-build-%d", b.cfg.Names.Repository, suffix)
	bucket := fmt.Sprintf("%s-build-%s-%d", b.cfg.Names.Repository, account, suffix)

	if err := b.objects.EnsureBucket(ctx, bucket); err != nil {
		return fmt.Errorf("create staging bucket %s: %w", bucket, err)
	}
	b.resources.AddBucket(bucket)

	srcZip, err := b.buildContext()
	if err != nil {
		return err
	}
	if err := b.objects.Put(ctx, bucket, "source.zip", srcZip, "application/zip"); err != nil {
		return fmt.Errorf("upload build context: %w", err)
	}
	b.resources.AddObject(bucket, "source.zip")
	b.logger.Printf("build context uploaded to s3://%s/source.zip", bucket)

	defer b.teardownBuild(ctx, bucket, project)

	role, err := b.provisioner.EnsureBuildRole(ctx)
	if err != nil {
		return err
	}

	spec := cloud.ProjectSpec{
		Name:         project,
		SourceBucket: bucket,
		SourceKey:    "source.zip",
		ServiceRole:  fmt.Sprintf("arn:aws:iam::%s:role/%s", account, role),
		Env: map[string]string{
			"AWS_DEFAULT_REGION": b.cfg.AWS.Region,
			"AWS_ACCOUNT_ID":     account,
			"IMAGE_REPO_NAME":    b.cfg.Names.Repository,
			"IMAGE_TAG":          tag,
		},
	}
	if err := b.builds.CreateProject(ctx, spec); err != nil {
		return fmt.Errorf("create build project: %w", err)
	}
	b.resources.AddBuildProject(project)

	buildID, err := b.builds.StartBuild(ctx, project)
	if err != nil {
		return fmt.Errorf("start build: %w", err)
	}
	b.logger.Printf("build started: %s", buildID)

	return b.waitForBuild(ctx, project, buildID)
}

func (b *Builder) waitForBuild(ctx context.Context, project, buildID string) error {
	for {
		status, err := b.builds.BuildStatus(ctx, buildID)
		if err != nil {
			return fmt.Errorf("build status: %w", err)
		}
		if status == cloud.BuildSucceeded {
			b.logger.Printf("image build completed")
			return nil
		}
		if cloud.BuildTerminal(status) {
			logs, logErr := b.builds.BuildLogs(ctx, project)
			if logErr != nil {
				b.logger.Printf("could not retrieve build logs: %v", logErr)
			}
			return &BuildFailedError{Status: status, Logs: logs}
		}
		b.logger.Printf("build status: %s", status)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sleepC(b.cfg.BuildPollInterval()):
		}
	}
}

// teardownBuild deletes the staging bucket, its single object, and the build
// project regardless of the build outcome. Failures are logged, not fatal;
// anything left behind stays registered for the cleanup manager.
func (b *Builder) teardownBuild(ctx context.Context, bucket, project string) {
	if err := b.objects.Delete(ctx, bucket, "source.zip"); err != nil {
		b.logger.Printf("warning: delete staging object: %v", err)
	} else {
		b.resources.Remove(ResObject, bucket)
	}
	if err := b.objects.DeleteBucket(ctx, bucket); err != nil {
		b.logger.Printf("warning: delete staging bucket: %v", err)
	} else {
		b.resources.Remove(ResBucket, bucket)
	}
	if err := b.builds.DeleteProject(ctx, project); err != nil {
		b.logger.Printf("warning: delete build project: %v", err)
	} else {
		b.resources.Remove(ResBuildProject, project)
	}
}

// pruneOldImages removes every other artifact with the versioning prefix.
// Best-effort: a tag that will not delete is logged and skipped.
func (b *Builder) pruneOldImages(ctx context.Context, repo, current string) {
	tags, err := b.registry.ListTags(ctx, repo)
	if err != nil {
		b.logger.Printf("image prune: list tags: %v", err)
		return
	}
	for _, t := range tags {
		if t == current || len(t) < len("runtime-") || t[:len("runtime-")] != "runtime-" {
			continue
		}
		if err := b.registry.DeleteImage(ctx, repo, t); err != nil {
			b.logger.Printf("image prune: could not remove %s: %v", t, err)
			continue
		}
		b.logger.Printf("removed old runtime image %s", t)
	}
}

func (b *Builder) buildContext() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	files := map[string]string{
		"Dockerfile":       b.cfg.Build.Dockerfile,
		"requirements.txt": b.cfg.Build.Requirements,
	}
	for name, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &BuildInputMissingError{Path: path}
			}
			return nil, err
		}
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
	}

	w, err := zw.Create("buildspec.yml")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(buildspec)); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
