package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"oras.land/oras-go/v2/registry"
)

// slugRegex 匹配合法的 slug：小写字母开头，只含小写字母、数字和连字符，长度 2-63。
// slug 会被拼进 K8s 资源名，因此沿用 K8s 命名规则。
var slugRegex = regexp.MustCompile(`^[a-z][a-z0-9-]{0,61}[a-z0-9]$`)

// ValidateSlug 校验 slug / environment 是否可安全用作 K8s 资源名。
func ValidateSlug(slug string) error {
	if !slugRegex.MatchString(slug) {
		return fmt.Errorf("%w: %q is not a valid slug", ErrInvalidInput, slug)
	}
	return nil
}

// ValidateEnvironment 环境名同样会成为 namespace / 资源名的一部分。
func ValidateEnvironment(env string) error {
	if !slugRegex.MatchString(env) {
		return fmt.Errorf("%w: environment %q is not a valid name", ErrInvalidInput, env)
	}
	return nil
}

// ValidateRepoURL 校验 Git 仓库地址，只允许 https:// 或 git:// 协议，防止 SSRF。
func ValidateRepoURL(repo string) error {
	if repo == "" {
		return nil
	}
	if !strings.HasPrefix(repo, "https://") && !strings.HasPrefix(repo, "git://") {
		return fmt.Errorf("%w: repo_url must use https:// or git:// protocol", ErrInvalidInput)
	}
	return nil
}

// gitRefRegex 白名单：字母、数字、-、_、.、/
var gitRefRegex = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// ValidateGitRef 校验 Git 引用（branch/tag/commit），使用字符白名单。
func ValidateGitRef(ref string) error {
	if ref == "" {
		return nil
	}
	if !gitRefRegex.MatchString(ref) || strings.Contains(ref, "..") {
		return fmt.Errorf("%w: git ref %q contains invalid characters", ErrInvalidInput, ref)
	}
	return nil
}

// ValidateSourceRef 要求至少给出 commit / branch / tag 之一，并逐个校验字符。
func ValidateSourceRef(ref SourceRef) error {
	if ref.IsZero() {
		return fmt.Errorf("%w: source ref needs a commit, branch or tag", ErrInvalidInput)
	}
	for _, r := range []string{ref.CommitSHA, ref.Branch, ref.Tag} {
		if err := ValidateGitRef(r); err != nil {
			return err
		}
	}
	return nil
}

var stepNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,62}$`)

func ValidateStepName(name string) error {
	if !stepNameRegex.MatchString(name) {
		return fmt.Errorf("%w: step name %q is invalid", ErrInvalidInput, name)
	}
	return nil
}

var versionRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]{0,127}$`)

// ValidateVersion 版本号由调用方提供，不强制 semver，只限制字符集与长度。
func ValidateVersion(version string) error {
	if !versionRegex.MatchString(version) {
		return fmt.Errorf("%w: release version %q is invalid", ErrInvalidInput, version)
	}
	return nil
}

// ValidateImageRef 校验完整镜像引用（registry/repository[:tag|@digest]）。
func ValidateImageRef(ref string) error {
	if _, err := registry.ParseReference(ref); err != nil {
		return fmt.Errorf("%w: image ref %q: %v", ErrInvalidInput, ref, err)
	}
	return nil
}

// workDirRegex 白名单：字母、数字、-、_、.、/，不允许以 / 开头。
var workDirRegex = regexp.MustCompile(`^[a-zA-Z0-9._][a-zA-Z0-9._/-]*$`)

// ValidateWorkDir 校验步骤工作子目录，防止路径穿越。
func ValidateWorkDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if !workDirRegex.MatchString(dir) {
		return fmt.Errorf("%w: workdir %q contains invalid characters", ErrInvalidInput, dir)
	}
	if strings.Contains(dir, "..") {
		return fmt.Errorf("%w: workdir %q must not contain '..'", ErrInvalidInput, dir)
	}
	if filepath.IsAbs(filepath.Clean(dir)) {
		return fmt.Errorf("%w: workdir must be a relative path", ErrInvalidInput)
	}
	return nil
}
