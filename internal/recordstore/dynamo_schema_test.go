package recordstore

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmin struct {
	existing  map[string]bool
	created   []string
	described []string
}

func (f *fakeAdmin) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	name := aws.ToString(in.TableName)
	if f.existing[name] {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists")}
	}
	f.created = append(f.created, name)
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeAdmin) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.described = append(f.described, aws.ToString(in.TableName))
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{TableName: in.TableName, TableStatus: types.TableStatusActive},
	}, nil
}

func TestCreateTablesSkipsExisting(t *testing.T) {
	admin := &fakeAdmin{existing: map[string]bool{"cars": true}}

	err := CreateTables(context.Background(), admin, "cars", "users", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, admin.created)
	assert.Equal(t, []string{"cars", "users"}, admin.described)
}

func TestTableInputs(t *testing.T) {
	posts := PostsTableInput("cars")
	require.Len(t, posts.KeySchema, 2)
	assert.Equal(t, "userId", aws.ToString(posts.KeySchema[0].AttributeName))
	assert.Equal(t, types.KeyTypeRange, posts.KeySchema[1].KeyType)
	assert.Equal(t, "savedAt", aws.ToString(posts.KeySchema[1].AttributeName))

	users := UsersTableInput("users")
	require.Len(t, users.KeySchema, 1)
	assert.Equal(t, types.BillingModePayPerRequest, users.BillingMode)
}
