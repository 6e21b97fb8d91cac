package table

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoAPI is the subset of the DynamoDB client the backend uses.
// *dynamodb.Client satisfies this interface; tests substitute a mock.
type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoClient is the production backend: one on-demand DynamoDB table with
// string PK/SK keys. All conditions translate directly to DynamoDB condition
// expressions.
type DynamoClient struct {
	api   dynamoAPI
	table string
}

// NewDynamo builds a DynamoDB-backed Client using the default AWS credential
// chain for the given region.
func NewDynamo(ctx context.Context, region, tableName string) (*DynamoClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &DynamoClient{api: dynamodb.NewFromConfig(cfg), table: tableName}, nil
}

// EnsureTable creates the table with on-demand billing if it does not exist
// and waits until it is active. Intended for first-run setup and tests.
func (d *DynamoClient) EnsureTable(ctx context.Context) error {
	_, err := d.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var exists *types.ResourceInUseException
		if !errors.As(err, &exists) {
			return fmt.Errorf("creating table %s: %w", d.table, err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(d.api)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}, 2*time.Minute); err != nil {
		return fmt.Errorf("waiting for table %s: %w", d.table, err)
	}
	return nil
}

func (d *DynamoClient) Get(ctx context.Context, pk, sk string) (*Item, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            dynamoKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("reading item: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	attrs, err := dynamoAttrs(out.Item)
	if err != nil {
		return nil, err
	}
	delete(attrs, "PK")
	delete(attrs, "SK")
	return &Item{PK: pk, SK: sk, Attrs: attrs}, nil
}

func (d *DynamoClient) Put(ctx context.Context, item Item, cond *Cond) error {
	av, err := attributevalue.MarshalMap(normalizeAttrs(item.Attrs))
	if err != nil {
		return fmt.Errorf("marshaling item attributes: %w", err)
	}
	av["PK"] = &types.AttributeValueMemberS{Value: item.PK}
	av["SK"] = &types.AttributeValueMemberS{Value: item.SK}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	}
	if cond != nil {
		expr, err := expression.NewBuilder().WithCondition(condExpr(cond)).Build()
		if err != nil {
			return fmt.Errorf("building condition: %w", err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := d.api.PutItem(ctx, input); err != nil {
		return dynamoErr("writing item", err)
	}
	return nil
}

func (d *DynamoClient) Update(ctx context.Context, pk, sk string, set map[string]any, remove []string, cond *Cond) error {
	upd := expression.UpdateBuilder{}
	for k, v := range normalizeAttrs(set) {
		upd = upd.Set(expression.Name(k), expression.Value(v))
	}
	for _, k := range remove {
		upd = upd.Remove(expression.Name(k))
	}

	// UpdateItem upserts by default; requiring the key attribute pins the
	// operation to an existing item so a vanished record reads as a CAS miss.
	condition := expression.AttributeExists(expression.Name("PK"))
	if cond != nil {
		condition = condition.And(condExpr(cond))
	}

	expr, err := expression.NewBuilder().WithUpdate(upd).WithCondition(condition).Build()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}

	_, err = d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       dynamoKey(pk, sk),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return dynamoErr("updating item", err)
	}
	return nil
}

func (d *DynamoClient) Delete(ctx context.Context, pk, sk string, cond *Cond) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       dynamoKey(pk, sk),
	}
	if cond != nil {
		expr, err := expression.NewBuilder().WithCondition(condExpr(cond)).Build()
		if err != nil {
			return fmt.Errorf("building condition: %w", err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := d.api.DeleteItem(ctx, input); err != nil {
		return dynamoErr("deleting item", err)
	}
	return nil
}

func (d *DynamoClient) Query(ctx context.Context, q Query) ([]Item, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(q.PK))
	switch {
	case q.SKMin != "" && q.SKMax != "":
		keyCond = keyCond.And(expression.Key("SK").Between(expression.Value(q.SKMin), expression.Value(q.SKMax)))
	case q.SKMax != "":
		keyCond = keyCond.And(expression.Key("SK").LessThanEqual(expression.Value(q.SKMax)))
	case q.SKMin != "":
		keyCond = keyCond.And(expression.Key("SK").GreaterThanEqual(expression.Value(q.SKMin)))
	}

	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("building key condition: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(d.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(q.Consistent),
		ScanIndexForward:          aws.Bool(true),
	}
	if q.Limit > 0 {
		input.Limit = aws.Int32(int32(q.Limit))
	}

	var items []Item
	for {
		out, err := d.api.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("querying items: %w", err)
		}
		for _, raw := range out.Items {
			attrs, err := dynamoAttrs(raw)
			if err != nil {
				return nil, err
			}
			sk, _ := attrs["SK"].(string)
			delete(attrs, "PK")
			delete(attrs, "SK")
			items = append(items, Item{PK: q.PK, SK: sk, Attrs: attrs})
		}
		if out.LastEvaluatedKey == nil || (q.Limit > 0 && len(items) >= q.Limit) {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items, nil
}

func (d *DynamoClient) Close() error { return nil }

func dynamoKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func dynamoAttrs(raw map[string]types.AttributeValue) (map[string]any, error) {
	var attrs map[string]any
	if err := attributevalue.UnmarshalMap(raw, &attrs); err != nil {
		return nil, fmt.Errorf("unmarshaling item attributes: %w", err)
	}
	return normalizeAttrs(attrs), nil
}

func condExpr(c *Cond) expression.ConditionBuilder {
	switch c.kind {
	case condAbsent:
		return expression.AttributeNotExists(expression.Name("PK"))
	case condAttrNotSet:
		return expression.AttributeNotExists(expression.Name(c.attr))
	case condEq:
		return expression.Name(c.attr).Equal(expression.Value(c.value))
	case condLt:
		return expression.Name(c.attr).LessThan(expression.Value(c.value))
	case condAnd, condOr:
		exprs := make([]expression.ConditionBuilder, len(c.subs))
		for i := range c.subs {
			exprs[i] = condExpr(&c.subs[i])
		}
		if len(exprs) == 1 {
			return exprs[0]
		}
		if c.kind == condAnd {
			return expression.And(exprs[0], exprs[1], exprs[2:]...)
		}
		return expression.Or(exprs[0], exprs[1], exprs[2:]...)
	}
	return expression.ConditionBuilder{}
}

func dynamoErr(op string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrConditionFailed
	}
	return fmt.Errorf("%s: %w", op, err)
}
