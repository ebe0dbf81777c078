package recordstore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/models"
)

type mockDynamo struct {
	mock.Mock
}

func (m *mockDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.GetItemOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.PutItemOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.UpdateItemOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.DeleteItemOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.QueryOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.ScanOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.TransactWriteItemsOutput)
	return out, args.Error(1)
}

var dynamoKey = models.PostKey{UserID: "u1", SavedAt: "2024-05-01T10:00:00.000Z"}

// exprParts collects what an expression-built request refers to.
type exprParts struct {
	names   []string
	numbers []string
	sets    [][]string
}

func partsOf(in *dynamodb.UpdateItemInput) exprParts {
	var p exprParts
	for _, n := range in.ExpressionAttributeNames {
		p.names = append(p.names, n)
	}
	for _, v := range in.ExpressionAttributeValues {
		switch v := v.(type) {
		case *types.AttributeValueMemberN:
			p.numbers = append(p.numbers, v.Value)
		case *types.AttributeValueMemberSS:
			p.sets = append(p.sets, v.Value)
		}
	}
	return p
}

func TestDynamoUpdateLikesGuardsVersion(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamo)
	store := NewDynamoStore(client, "cars", "users", nil)

	var got *dynamodb.UpdateItemInput
	client.On("UpdateItem", ctx, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(*dynamodb.UpdateItemInput) }).
		Return(nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")})

	err := store.UpdateLikes(ctx, dynamoKey, 3, []string{"alice", "bob"})
	assert.ErrorIs(t, err, apperr.ErrConditionFailed)
	client.AssertExpectations(t)

	require.NotNil(t, got)
	parts := partsOf(got)
	assert.ElementsMatch(t, []string{"userId", "likeVersion", "likes", "likedBy"}, parts.names)
	assert.ElementsMatch(t, []string{"3", "4", "2"}, parts.numbers, "expected version, next version, like count")
	assert.Equal(t, [][]string{{"alice", "bob"}}, parts.sets)
	assert.Contains(t, aws.ToString(got.ConditionExpression), "attribute_exists")
	assert.NotContains(t, aws.ToString(got.ConditionExpression), "attribute_not_exists")
	assert.NotContains(t, aws.ToString(got.UpdateExpression), "REMOVE")
}

func TestDynamoUpdateLikesRemovesEmptySet(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamo)
	store := NewDynamoStore(client, "cars", "users", nil)

	var got *dynamodb.UpdateItemInput
	client.On("UpdateItem", ctx, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(*dynamodb.UpdateItemInput) }).
		Return(&dynamodb.UpdateItemOutput{}, nil)

	require.NoError(t, store.UpdateLikes(ctx, dynamoKey, 1, nil))
	client.AssertExpectations(t)

	require.NotNil(t, got)
	parts := partsOf(got)
	assert.Empty(t, parts.sets)
	assert.Contains(t, parts.names, "likedBy")
	assert.Contains(t, aws.ToString(got.UpdateExpression), "REMOVE")
}

func TestDynamoUpdateLikesAcceptsLegacyItems(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamo)
	store := NewDynamoStore(client, "cars", "users", nil)

	var got *dynamodb.UpdateItemInput
	client.On("UpdateItem", ctx, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(*dynamodb.UpdateItemInput) }).
		Return(&dynamodb.UpdateItemOutput{}, nil)

	require.NoError(t, store.UpdateLikes(ctx, dynamoKey, 0, []string{"alice"}))
	require.NotNil(t, got)
	assert.Contains(t, aws.ToString(got.ConditionExpression), "attribute_not_exists")
}

func TestDynamoGetUserSkipsReservations(t *testing.T) {
	client := new(mockDynamo)
	store := NewDynamoStore(client, "cars", "users", nil)

	_, err := store.GetUser(context.Background(), "USERNAME#speedster")
	assert.ErrorIs(t, err, apperr.ErrUserNotFound)
	client.AssertNotCalled(t, "GetItem", mock.Anything, mock.Anything)
}

func TestDynamoCreateUserMapsCancellation(t *testing.T) {
	cancelled := func(codes ...string) error {
		reasons := make([]types.CancellationReason, len(codes))
		for i, c := range codes {
			reasons[i] = types.CancellationReason{Code: aws.String(c)}
		}
		return &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"user exists", cancelled("ConditionalCheckFailed", "None"), apperr.ErrUserExists},
		{"username taken", cancelled("None", "ConditionalCheckFailed"), apperr.ErrUsernameTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			client := new(mockDynamo)
			store := NewDynamoStore(client, "cars", "users", nil)
			client.On("TransactWriteItems", ctx, mock.Anything).Return(nil, tt.err)

			err := store.CreateUser(ctx, &models.User{UserID: "u1", Username: "alice"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDynamoGetPostNotFound(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamo)
	store := NewDynamoStore(client, "cars", "users", nil)
	client.On("GetItem", ctx, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

	_, err := store.GetPost(ctx, dynamoKey)
	assert.ErrorIs(t, err, apperr.ErrPostNotFound)
}

func TestDynamoPostRoundTrip(t *testing.T) {
	p := samplePost("u1", "2024-05-01T10:00:00.000Z", "h1")
	p.LikedBy = []string{"alice"}
	p.LikeVersion = 4

	got := toDDBPost(p).toModel()
	assert.Equal(t, 1, got.Likes)
	assert.Equal(t, p.CarInfo, got.CarInfo)
	assert.Equal(t, int64(4), got.LikeVersion)

	empty := ddbPost{UserID: "u1"}.toModel()
	assert.NotNil(t, empty.LikedBy)
}
