package deploy

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"agent-executor/internal/cloud"
	"agent-executor/internal/config"
	"agent-executor/internal/model"
)

// userDataPlaceholder marks where the unit-specific bootstrap block goes in
// the startup script template.
const userDataPlaceholder = "# AUTOMATION_SCRIPT_PLACEHOLDER"

// Unit is the provisioned execution unit backing one task.
type Unit struct {
	Name            string
	InstanceID      string
	SecurityGroupID string
}

// Launcher provisions the execution unit: network placement, an
// outbound-only access boundary, the rendered startup script, and the full
// correlation tag set. It never retries; a failed launch is the caller's
// decision to redo.
type Launcher struct {
	cfg       *config.Config
	compute   cloud.Compute
	resources *Resources
	logger    *log.Logger
}

func NewLauncher(cfg *config.Config, compute cloud.Compute, res *Resources, logger *log.Logger) *Launcher {
	return &Launcher{cfg: cfg, compute: compute, resources: res, logger: logger}
}

func (l *Launcher) Launch(ctx context.Context, task *model.Task, refs PayloadRefs, unitName, roleName, imageTag string) (Unit, error) {
	unit := Unit{Name: unitName}

	vpcID, subnetID, err := l.compute.DefaultSubnet(ctx)
	if err != nil {
		return unit, &LaunchFailedError{Reason: "network placement", Err: err}
	}
	l.logger.Printf("using vpc %s, subnet %s", vpcID, subnetID)

	sgID, err := l.compute.CreateSecurityGroup(ctx, unitName+"-sg", "AI executor security group - outbound only", vpcID)
	if err != nil {
		return unit, &LaunchFailedError{Reason: "security group", Err: err}
	}
	unit.SecurityGroupID = sgID
	l.resources.AddSecurityGroup(sgID)

	userData, err := l.renderUserData(refs)
	if err != nil {
		return unit, &LaunchFailedError{Reason: "startup script", Err: err}
	}

	instanceID, err := l.compute.RunInstance(ctx, cloud.LaunchSpec{
		ImageID:         l.cfg.AWS.ImageID,
		InstanceType:    l.cfg.AWS.InstanceType,
		SubnetID:        subnetID,
		SecurityGroupID: sgID,
		UserData:        userData,
		InstanceProfile: roleName,
		Tags:            correlationTags(task, refs, unitName, imageTag),
	})
	if err != nil {
		return unit, &LaunchFailedError{Reason: "run instance", Err: err}
	}
	unit.InstanceID = instanceID
	l.resources.AddInstance(instanceID)
	l.logger.Printf("instance launched: %s", instanceID)
	return unit, nil
}

// correlationTags carry enough metadata to reconstruct the task linkage from
// provider-visible state alone, should the orchestrator restart mid-task.
func correlationTags(task *model.Task, refs PayloadRefs, unitName, imageTag string) map[string]string {
	return map[string]string{
		"Name":          unitName,
		"Purpose":       "AI-Executor",
		"AutoTerminate": "true",
		"TASK_ID":       task.ID,
		"TASK_KEY":      refs.TaskKey,
		"SCRIPT_KEY":    refs.ScriptKey,
		"SCRAPERS_KEY":  refs.ScrapersKey,
		"INSTANCE_NAME": unitName,
		"IMAGE_TAG":     imageTag,
		"SCRAPER":       task.Scraper,
	}
}

// renderUserData substitutes the bootstrap block into the startup template:
// a self-shutdown timer decoupled from the monitor, then the payload fetch
// that hands off to the execution driver.
func (l *Launcher) renderUserData(refs PayloadRefs) (string, error) {
	tpl, err := os.ReadFile(l.cfg.Paths.UserDataTemplate)
	if err != nil {
		return "", err
	}
	if !strings.Contains(string(tpl), userDataPlaceholder) {
		return "", fmt.Errorf("template %s has no bootstrap placeholder", l.cfg.Paths.UserDataTemplate)
	}

	bootstrap := fmt.Sprintf(`# Safety backstop: self-shutdown after %[1]d seconds, independent of the orchestrator
echo "scheduling automatic shutdown in %[1]d seconds"
(sleep %[1]d; echo "auto-shutdown timeout reached"; shutdown -h now) &

echo "downloading automation script"
aws s3 cp s3://%[2]s/%[3]s /tmp/automation_task.py --region %[4]s
if [ $? -ne 0 ]; then
    echo "failed to download automation script"
    sleep 30
    shutdown -h now
    exit 1
fi`,
		l.cfg.Monitor.DeadlineSeconds, refs.Bucket, refs.ScriptKey, l.cfg.AWS.Region)

	return strings.Replace(string(tpl), userDataPlaceholder, bootstrap, 1), nil
}
