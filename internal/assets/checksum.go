package assets

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/shinylive-postrender/internal/cryptoutil"
	"github.com/keithlinneman/shinylive-postrender/internal/xerrors"
)

// ChecksumSource yields the expected hex SHA-256 of a bundle archive
type ChecksumSource interface {
	Expected(ctx context.Context) (string, error)
}

// StaticChecksum is a digest pinned in configuration
type StaticChecksum string

func (s StaticChecksum) Expected(context.Context) (string, error) {
	v := strings.TrimSpace(string(s))
	if !cryptoutil.ValidSHA256Hex(v) {
		return "", xerrors.Newf("pinned checksum %q is not a sha256 hex digest", v)
	}
	return v, nil
}

// SSMAPI is the subset of the SSM client used here
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMChecksum reads the digest from an SSM parameter at fetch time, so CI
// can roll the pin without rebuilding the hook.
type SSMChecksum struct {
	Client SSMAPI
	Param  string
}

func (s SSMChecksum) Expected(ctx context.Context) (string, error) {
	if s.Client == nil {
		return "", xerrors.New("ssm checksum: client is nil")
	}
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.Param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", s.Param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", s.Param)
	}

	hash := strings.TrimSpace(*out.Parameter.Value)
	if hash == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", s.Param)
	}
	if !cryptoutil.ValidSHA256Hex(hash) {
		return "", xerrors.Newf("SSM parameter %s does not hold a sha256 hex digest", s.Param)
	}
	return hash, nil
}
