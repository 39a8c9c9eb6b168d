package index

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
)

// AgentAPI is the subset of the Bedrock Agent client used by BedrockClient.
type AgentAPI interface {
	GetKnowledgeBaseDocuments(ctx context.Context, params *bedrockagent.GetKnowledgeBaseDocumentsInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.GetKnowledgeBaseDocumentsOutput, error)
	IngestKnowledgeBaseDocuments(ctx context.Context, params *bedrockagent.IngestKnowledgeBaseDocumentsInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.IngestKnowledgeBaseDocumentsOutput, error)
	DeleteKnowledgeBaseDocuments(ctx context.Context, params *bedrockagent.DeleteKnowledgeBaseDocumentsInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.DeleteKnowledgeBaseDocumentsOutput, error)
	StartIngestionJob(ctx context.Context, params *bedrockagent.StartIngestionJobInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.StartIngestionJobOutput, error)
	GetIngestionJob(ctx context.Context, params *bedrockagent.GetIngestionJobInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.GetIngestionJobOutput, error)
	GetDataSource(ctx context.Context, params *bedrockagent.GetDataSourceInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.GetDataSourceOutput, error)
}

// BedrockClient implements Client on Amazon Bedrock Knowledge Bases. Document
// ids are S3 URIs.
type BedrockClient struct {
	api AgentAPI
}

// NewBedrockClient wraps a Bedrock Agent client.
func NewBedrockClient(api AgentAPI) *BedrockClient {
	return &BedrockClient{api: api}
}

func (c *BedrockClient) GetDocumentStatus(ctx context.Context, ref DataSourceRef, uris []string) ([]DocumentStatus, error) {
	if err := CheckBatch(uris); err != nil {
		return nil, err
	}
	out, err := c.api.GetKnowledgeBaseDocuments(ctx, &bedrockagent.GetKnowledgeBaseDocumentsInput{
		KnowledgeBaseId:     aws.String(ref.IndexID),
		DataSourceId:        aws.String(ref.DataSourceID),
		DocumentIdentifiers: s3Identifiers(uris),
	})
	if err != nil {
		return nil, fmt.Errorf("getting document status in %s: %w", ref, err)
	}
	return documentStatuses(out.DocumentDetails), nil
}

func (c *BedrockClient) Ingest(ctx context.Context, ref DataSourceRef, uris []string) ([]DocumentStatus, error) {
	if err := CheckBatch(uris); err != nil {
		return nil, err
	}
	docs := make([]types.KnowledgeBaseDocument, 0, len(uris))
	for _, uri := range uris {
		docs = append(docs, types.KnowledgeBaseDocument{
			Content: &types.DocumentContent{
				DataSourceType: types.ContentDataSourceTypeS3,
				S3: &types.S3Content{
					S3Location: &types.S3Location{Uri: aws.String(uri)},
				},
			},
		})
	}
	out, err := c.api.IngestKnowledgeBaseDocuments(ctx, &bedrockagent.IngestKnowledgeBaseDocumentsInput{
		KnowledgeBaseId: aws.String(ref.IndexID),
		DataSourceId:    aws.String(ref.DataSourceID),
		Documents:       docs,
	})
	if err != nil {
		return nil, fmt.Errorf("ingesting documents into %s: %w", ref, err)
	}
	return documentStatuses(out.DocumentDetails), nil
}

func (c *BedrockClient) Delete(ctx context.Context, ref DataSourceRef, uris []string) ([]DocumentStatus, error) {
	if err := CheckBatch(uris); err != nil {
		return nil, err
	}
	out, err := c.api.DeleteKnowledgeBaseDocuments(ctx, &bedrockagent.DeleteKnowledgeBaseDocumentsInput{
		KnowledgeBaseId:     aws.String(ref.IndexID),
		DataSourceId:        aws.String(ref.DataSourceID),
		DocumentIdentifiers: s3Identifiers(uris),
	})
	if err != nil {
		return nil, fmt.Errorf("deleting documents from %s: %w", ref, err)
	}
	return documentStatuses(out.DocumentDetails), nil
}

func (c *BedrockClient) StartFullSync(ctx context.Context, ref DataSourceRef) (string, error) {
	out, err := c.api.StartIngestionJob(ctx, &bedrockagent.StartIngestionJobInput{
		KnowledgeBaseId: aws.String(ref.IndexID),
		DataSourceId:    aws.String(ref.DataSourceID),
	})
	if err != nil {
		return "", fmt.Errorf("starting ingestion job for %s: %w", ref, err)
	}
	if out.IngestionJob == nil {
		return "", fmt.Errorf("starting ingestion job for %s: empty response", ref)
	}
	return aws.ToString(out.IngestionJob.IngestionJobId), nil
}

func (c *BedrockClient) GetFullSyncStatus(ctx context.Context, ref DataSourceRef, jobID string) (string, error) {
	out, err := c.api.GetIngestionJob(ctx, &bedrockagent.GetIngestionJobInput{
		KnowledgeBaseId: aws.String(ref.IndexID),
		DataSourceId:    aws.String(ref.DataSourceID),
		IngestionJobId:  aws.String(jobID),
	})
	if err != nil {
		return "", fmt.Errorf("getting ingestion job %s: %w", jobID, err)
	}
	if out.IngestionJob == nil {
		return "", fmt.Errorf("getting ingestion job %s: empty response", jobID)
	}
	return string(out.IngestionJob.Status), nil
}

func (c *BedrockClient) ConnectorType(ctx context.Context, ref DataSourceRef) (string, error) {
	out, err := c.api.GetDataSource(ctx, &bedrockagent.GetDataSourceInput{
		KnowledgeBaseId: aws.String(ref.IndexID),
		DataSourceId:    aws.String(ref.DataSourceID),
	})
	if err != nil {
		return "", fmt.Errorf("getting data source %s: %w", ref, err)
	}
	if out.DataSource == nil || out.DataSource.DataSourceConfiguration == nil {
		return "", fmt.Errorf("data source %s has no configuration", ref)
	}
	return string(out.DataSource.DataSourceConfiguration.Type), nil
}

func s3Identifiers(uris []string) []types.DocumentIdentifier {
	ids := make([]types.DocumentIdentifier, 0, len(uris))
	for _, uri := range uris {
		ids = append(ids, types.DocumentIdentifier{
			DataSourceType: types.ContentDataSourceTypeS3,
			S3:             &types.S3Location{Uri: aws.String(uri)},
		})
	}
	return ids
}

func documentStatuses(details []types.KnowledgeBaseDocumentDetail) []DocumentStatus {
	out := make([]DocumentStatus, 0, len(details))
	for _, d := range details {
		var uri string
		if d.Identifier != nil && d.Identifier.S3 != nil {
			uri = aws.ToString(d.Identifier.S3.Uri)
		}
		out = append(out, DocumentStatus{URI: uri, Status: string(d.Status)})
	}
	return out
}

var _ Client = (*BedrockClient)(nil)
