package zilliz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/internal/vector"
	"github.com/campaign-agent/backend/pkg/apperr"
	"github.com/campaign-agent/backend/pkg/logger"
)

// queryCap is the largest offset+limit window Milvus serves for a query.
const queryCap = 16384

var outputFields = []string{
	"id", "embedding", "title", "content", "content_type", "audience",
	"campaign_name", "compliance_status", "source", "tags", "created_at",
}

// Client is a Milvus/Zilliz backed Embedding Index. Exact-match metadata
// filters are pushed down as a boolean expression; tag and campaign
// filters are re-applied locally.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	cfg := client.Config{Address: endpoint}
	if apiKey != "" {
		cfg.APIKey = apiKey
		cfg.EnableTLSAuth = true
	}

	c, err := client.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) Dimension() int {
	return z.vectorDim
}

func varchar(name string, maxLen int) *entity.Field {
	return &entity.Field{
		Name:     name,
		DataType: entity.FieldTypeVarChar,
		TypeParams: map[string]string{
			"max_length": fmt.Sprintf("%d", maxLen),
		},
	}
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	pk := varchar("id", 64)
	pk.PrimaryKey = true

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Marketing content embeddings",
		Fields: []*entity.Field{
			pk,
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", z.vectorDim),
				},
			},
			varchar("title", 512),
			varchar("content", 65535),
			varchar("content_type", 64),
			varchar("audience", 128),
			varchar("campaign_name", 256),
			varchar("compliance_status", 32),
			varchar("source", 256),
			varchar("tags", 512),
			{
				Name:     "created_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

func (z *Client) Upsert(ctx context.Context, items []models.ContentItem) error {
	if len(items) == 0 {
		return nil
	}

	n := len(items)
	ids := make([]string, n)
	embeddings := make([][]float32, n)
	titles := make([]string, n)
	bodies := make([]string, n)
	types := make([]string, n)
	audiences := make([]string, n)
	campaigns := make([]string, n)
	statuses := make([]string, n)
	sources := make([]string, n)
	tags := make([]string, n)
	created := make([]int64, n)

	for i, item := range items {
		if err := vector.CheckDimension(item.Embedding, z.vectorDim); err != nil {
			return err
		}
		md := item.Metadata
		ids[i] = item.ID
		embeddings[i] = item.Embedding
		titles[i] = item.Title
		bodies[i] = item.Body
		types[i] = md.ContentType
		audiences[i] = md.Audience
		campaigns[i] = md.CampaignName
		statuses[i] = md.ComplianceStatus
		sources[i] = md.Source
		tags[i] = strings.Join(md.Tags, ",")
		created[i] = md.CreatedAt.UnixNano()
	}

	_, err := z.client.Insert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnFloatVector("embedding", z.vectorDim, embeddings),
		entity.NewColumnVarChar("title", titles),
		entity.NewColumnVarChar("content", bodies),
		entity.NewColumnVarChar("content_type", types),
		entity.NewColumnVarChar("audience", audiences),
		entity.NewColumnVarChar("campaign_name", campaigns),
		entity.NewColumnVarChar("compliance_status", statuses),
		entity.NewColumnVarChar("source", sources),
		entity.NewColumnVarChar("tags", tags),
		entity.NewColumnInt64("created_at", created),
	)
	if err != nil {
		return apperr.Transient(fmt.Errorf("failed to insert content: %w", err))
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return apperr.Transient(fmt.Errorf("failed to flush: %w", err))
	}

	logger.Info("Content inserted into vector DB", zap.Int("count", n))
	return nil
}

func (z *Client) Candidates(ctx context.Context, filter models.ContentFilter) ([]models.ContentItem, error) {
	expr := FilterExpr(filter)

	start := time.Now()
	rs, err := z.client.Query(ctx, z.collectionName, nil, expr, outputFields, client.WithLimit(queryCap))
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("failed to query candidates: %w", err))
	}

	items, err := decode(rs)
	if err != nil {
		return nil, err
	}
	if len(items) >= queryCap {
		logger.Warn("Candidate query hit the result cap, ranking a truncated set",
			zap.String("collection", z.collectionName),
			zap.String("filters", expr),
			zap.Int("cap", queryCap),
		)
	}

	out := items[:0]
	for _, item := range items {
		if filter.Matches(item) {
			out = append(out, item)
		}
	}

	logger.Debug("Vector candidates loaded",
		zap.String("filters", expr),
		zap.Int("candidates", len(out)),
		zap.Duration("took", time.Since(start)),
	)

	return out, nil
}

// FilterExpr renders the exact-match part of filter as a Milvus boolean
// expression. Approved status is always required.
func FilterExpr(filter models.ContentFilter) string {
	clauses := []string{fmt.Sprintf(`compliance_status == "%s"`, models.ComplianceApproved)}
	if filter.ContentType != "" {
		clauses = append(clauses, fmt.Sprintf(`content_type == "%s"`, escape(filter.ContentType)))
	}
	if filter.Audience != "" {
		clauses = append(clauses, fmt.Sprintf(`audience == "%s"`, escape(filter.Audience)))
	}
	return strings.Join(clauses, " && ")
}

var exprEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escape(s string) string {
	return exprEscaper.Replace(s)
}

func decode(rs client.ResultSet) ([]models.ContentItem, error) {
	strCol := func(name string) ([]string, error) {
		col, ok := rs.GetColumn(name).(*entity.ColumnVarChar)
		if !ok {
			return nil, fmt.Errorf("column %s missing from result", name)
		}
		return col.Data(), nil
	}

	ids, err := strCol("id")
	if err != nil {
		return nil, err
	}
	vecCol, ok := rs.GetColumn("embedding").(*entity.ColumnFloatVector)
	if !ok {
		return nil, fmt.Errorf("column embedding missing from result")
	}
	createdCol, ok := rs.GetColumn("created_at").(*entity.ColumnInt64)
	if !ok {
		return nil, fmt.Errorf("column created_at missing from result")
	}

	fields := map[string][]string{}
	for _, name := range []string{"title", "content", "content_type", "audience", "campaign_name", "compliance_status", "source", "tags"} {
		data, err := strCol(name)
		if err != nil {
			return nil, err
		}
		fields[name] = data
	}

	vectors := vecCol.Data()
	created := createdCol.Data()

	items := make([]models.ContentItem, len(ids))
	for i, id := range ids {
		var tags []string
		if t := fields["tags"][i]; t != "" {
			tags = strings.Split(t, ",")
		}
		items[i] = models.ContentItem{
			ID:        id,
			Title:     fields["title"][i],
			Body:      fields["content"][i],
			Embedding: vectors[i],
			Metadata: models.ContentMetadata{
				ContentType:      fields["content_type"][i],
				Audience:         fields["audience"][i],
				CampaignName:     fields["campaign_name"][i],
				ComplianceStatus: fields["compliance_status"][i],
				Source:           fields["source"][i],
				Tags:             tags,
				CreatedAt:        time.Unix(0, created[i]).UTC(),
			},
		}
	}
	return items, nil
}
