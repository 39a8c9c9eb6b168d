package shared

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"

	"github.com/leonunix/kbsync/internal/index"
)

// Resolver reads the outputs of a provisioning stack.
type Resolver interface {
	StackOutputs(ctx context.Context, stack string) (map[string]string, error)
}

// CloudFormationAPI is the subset of the CloudFormation client used by
// StackResolver.
type CloudFormationAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

// StackResolver reads outputs of CloudFormation stacks.
type StackResolver struct {
	api CloudFormationAPI
}

// NewStackResolver wraps a CloudFormation client.
func NewStackResolver(api CloudFormationAPI) *StackResolver {
	return &StackResolver{api: api}
}

func (r *StackResolver) StackOutputs(ctx context.Context, stack string) (map[string]string, error) {
	out, err := r.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(stack)})
	if err != nil {
		return nil, fmt.Errorf("describing stack %s: %w", stack, err)
	}
	if len(out.Stacks) == 0 || len(out.Stacks[0].Outputs) == 0 {
		return nil, fmt.Errorf("no outputs found in stack %s", stack)
	}

	outputs := make(map[string]string, len(out.Stacks[0].Outputs))
	for _, o := range out.Stacks[0].Outputs {
		if o.OutputKey == nil || o.OutputValue == nil {
			continue
		}
		outputs[*o.OutputKey] = *o.OutputValue
	}
	return outputs, nil
}

// StaticResolver serves stack outputs from configuration, for deployments
// that provision indexes by hand.
type StaticResolver map[string]map[string]string

func (r StaticResolver) StackOutputs(_ context.Context, stack string) (map[string]string, error) {
	outputs, ok := r[stack]
	if !ok || len(outputs) == 0 {
		return nil, fmt.Errorf("no outputs found in stack %s", stack)
	}
	return outputs, nil
}

// provisioned is an index and its data sources as read from stack outputs.
type provisioned struct {
	IndexID       string
	DataSourceIDs []string
}

func (p provisioned) refs() []index.DataSourceRef {
	refs := make([]index.DataSourceRef, 0, len(p.DataSourceIDs))
	for _, id := range p.DataSourceIDs {
		refs = append(refs, index.DataSourceRef{IndexID: p.IndexID, DataSourceID: id})
	}
	return refs
}

// lookupIndex finds the outputs KnowledgeBaseId<suffix> and
// DataSource<suffix>*. Data source ids are ordered by output key.
func lookupIndex(outputs map[string]string, suffix string) (provisioned, bool) {
	id, ok := outputs["KnowledgeBaseId"+suffix]
	if !ok || id == "" {
		return provisioned{}, false
	}

	prefix := "DataSource" + suffix
	var keys []string
	for k := range outputs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	p := provisioned{IndexID: id}
	for _, k := range keys {
		p.DataSourceIDs = append(p.DataSourceIDs, outputs[k])
	}
	return p, true
}

var (
	_ Resolver = (*StackResolver)(nil)
	_ Resolver = StaticResolver(nil)
)
