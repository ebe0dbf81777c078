package recordstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/logging"
	"github.com/petermazzocco/carspotter/models"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// usernamePrefix marks reservation items in the users table. One exists per
// taken username and carries the owning userId.
const usernamePrefix = "USERNAME#"

// stringSet marshals as a DynamoDB string set instead of a list.
type stringSet []string

func (s stringSet) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberSS{Value: s}, nil
}

// ddbPost represents a post item in DynamoDB.
type ddbPost struct {
	UserID      string   `dynamodbav:"userId"`
	SavedAt     string   `dynamodbav:"savedAt"`
	Make        string   `dynamodbav:"make"`
	Model       string   `dynamodbav:"model"`
	Year        string   `dynamodbav:"year"`
	Rarity      string   `dynamodbav:"rarity,omitempty"`
	Link        string   `dynamodbav:"link,omitempty"`
	ImageURL    string   `dynamodbav:"imageUrl"`
	ImageHash   string   `dynamodbav:"imageHash"`
	Likes       int      `dynamodbav:"likes"`
	LikedBy     []string `dynamodbav:"likedBy,stringset,omitempty"`
	IsPrivate   bool     `dynamodbav:"isPrivate"`
	Description string   `dynamodbav:"description,omitempty"`
	Username    string   `dynamodbav:"username"`
	LikeVersion int64    `dynamodbav:"likeVersion"`
}

// ddbUser represents a user item, or a username reservation when UserID
// starts with usernamePrefix.
type ddbUser struct {
	UserID       string `dynamodbav:"userId"`
	Username     string `dynamodbav:"username,omitempty"`
	ProfilePhoto string `dynamodbav:"profilePhoto,omitempty"`
	Owner        string `dynamodbav:"owner,omitempty"`
}

func toDDBPost(p *models.Post) ddbPost {
	return ddbPost{
		UserID:      p.UserID,
		SavedAt:     p.SavedAt,
		Make:        p.CarInfo.Make,
		Model:       p.CarInfo.Model,
		Year:        p.CarInfo.Year,
		Rarity:      p.CarInfo.Rarity,
		Link:        p.CarInfo.Link,
		ImageURL:    p.ImageURL,
		ImageHash:   p.ImageHash,
		Likes:       len(p.LikedBy),
		LikedBy:     p.LikedBy,
		IsPrivate:   p.IsPrivate,
		Description: p.Description,
		Username:    p.Username,
		LikeVersion: p.LikeVersion,
	}
}

func (d ddbPost) toModel() models.Post {
	likedBy := d.LikedBy
	if likedBy == nil {
		likedBy = []string{}
	}
	return models.Post{
		UserID:  d.UserID,
		SavedAt: d.SavedAt,
		CarInfo: models.CarInfo{
			Make:   d.Make,
			Model:  d.Model,
			Year:   d.Year,
			Rarity: d.Rarity,
			Link:   d.Link,
		},
		ImageURL:    d.ImageURL,
		ImageHash:   d.ImageHash,
		Likes:       d.Likes,
		LikedBy:     likedBy,
		IsPrivate:   d.IsPrivate,
		Description: d.Description,
		Username:    d.Username,
		LikeVersion: d.LikeVersion,
	}
}

// DynamoStore keeps posts (PK userId, SK savedAt) and users (PK userId) in
// two DynamoDB tables.
type DynamoStore struct {
	client     DynamoAPI
	postsTable string
	usersTable string
	logger     *zap.Logger
}

func NewDynamoStore(client DynamoAPI, postsTable, usersTable string, logger *zap.Logger) *DynamoStore {
	return &DynamoStore{
		client:     client,
		postsTable: postsTable,
		usersTable: usersTable,
		logger:     logging.OrNop(logger),
	}
}

func postKeyAV(key models.PostKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId":  &types.AttributeValueMemberS{Value: key.UserID},
		"savedAt": &types.AttributeValueMemberS{Value: key.SavedAt},
	}
}

func userKeyAV(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId": &types.AttributeValueMemberS{Value: userID},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// cancelledAt reports whether the transaction item at index i was rejected by
// its condition.
func cancelledAt(err error, i int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || i >= len(tce.CancellationReasons) {
		return false
	}
	return aws.ToString(tce.CancellationReasons[i].Code) == "ConditionalCheckFailed"
}

func (s *DynamoStore) CreatePost(ctx context.Context, p *models.Post) error {
	item, err := attributevalue.MarshalMap(toDDBPost(p))
	if err != nil {
		return fmt.Errorf("marshal post: %w", err)
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("userId"))).
		Build()
	if err != nil {
		return fmt.Errorf("build condition: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.postsTable),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if isConditionFailed(err) {
		return apperr.ErrPostExists
	}
	if err != nil {
		s.logger.Error("failed to create post", zap.String("owner_id", p.UserID), zap.Error(err))
		return unavailable(err)
	}
	return nil
}

func (s *DynamoStore) GetPost(ctx context.Context, key models.PostKey) (*models.Post, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.postsTable),
		Key:            postKeyAV(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if out.Item == nil {
		return nil, apperr.ErrPostNotFound
	}

	var item ddbPost
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal post: %w", err)
	}
	p := item.toModel()
	return &p, nil
}

func (s *DynamoStore) QueryPostsByOwner(ctx context.Context, ownerID string) ([]models.Post, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("userId").Equal(expression.Value(ownerID))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build key condition: %w", err)
	}

	return s.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.postsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	})
}

func (s *DynamoStore) query(ctx context.Context, in *dynamodb.QueryInput) ([]models.Post, error) {
	var posts []models.Post
	paginator := dynamodb.NewQueryPaginator(s.client, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable(err)
		}
		var items []ddbPost
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal posts: %w", err)
		}
		for _, item := range items {
			posts = append(posts, item.toModel())
		}
	}
	return posts, nil
}

func (s *DynamoStore) ScanPublicPosts(ctx context.Context) ([]models.Post, error) {
	isPrivate := expression.Name("isPrivate")
	filter := expression.AttributeNotExists(isPrivate).Or(isPrivate.Equal(expression.Value(false)))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}

	var posts []models.Post
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.postsTable),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable(err)
		}
		var items []ddbPost
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal posts: %w", err)
		}
		for _, item := range items {
			posts = append(posts, item.toModel())
		}
	}
	return posts, nil
}

func (s *DynamoStore) UpdateLikes(ctx context.Context, key models.PostKey, expectedVersion int64, likedBy []string) error {
	version := expression.Name("likeVersion")
	guard := version.Equal(expression.Value(expectedVersion))
	if expectedVersion == 0 {
		// items written before likeVersion existed
		guard = expression.AttributeNotExists(version).Or(guard)
	}
	cond := expression.AttributeExists(expression.Name("userId")).And(guard)

	update := expression.Set(expression.Name("likes"), expression.Value(len(likedBy))).
		Set(version, expression.Value(expectedVersion+1))
	if len(likedBy) > 0 {
		update = update.Set(expression.Name("likedBy"), expression.Value(stringSet(likedBy)))
	} else {
		// empty string sets are not storable
		update = update.Remove(expression.Name("likedBy"))
	}

	expr, err := expression.NewBuilder().WithCondition(cond).WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("build like update: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.postsTable),
		Key:                       postKeyAV(key),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionFailed(err) {
		return apperr.ErrConditionFailed
	}
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *DynamoStore) DeletePost(ctx context.Context, key models.PostKey) (*models.Post, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.postsTable),
		Key:                 postKeyAV(key),
		ConditionExpression: aws.String("attribute_exists(userId)"),
		ReturnValues:        types.ReturnValueAllOld,
	})
	if isConditionFailed(err) {
		return nil, apperr.ErrPostNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}

	var item ddbPost
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("unmarshal deleted post: %w", err)
	}
	p := item.toModel()
	return &p, nil
}

func (s *DynamoStore) CountImageRefs(ctx context.Context, ownerID, hash string) (int, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("userId").Equal(expression.Value(ownerID))).
		WithFilter(expression.Name("imageHash").Equal(expression.Value(hash))).
		Build()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	count := 0
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.postsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Select:                    types.SelectCount,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, unavailable(err)
		}
		count += int(page.Count)
	}
	return count, nil
}

func (s *DynamoStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	if ReservedUserID(userID) {
		return nil, apperr.ErrUserNotFound
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.usersTable),
		Key:       userKeyAV(userID),
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if out.Item == nil {
		return nil, apperr.ErrUserNotFound
	}

	var item ddbUser
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &models.User{UserID: item.UserID, Username: item.Username, ProfilePhoto: item.ProfilePhoto}, nil
}

func (s *DynamoStore) reservationPut(username, userID string) (types.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(ddbUser{UserID: usernamePrefix + username, Owner: userID})
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{Put: &types.Put{
		TableName:           aws.String(s.usersTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(userId)"),
	}}, nil
}

func (s *DynamoStore) CreateUser(ctx context.Context, u *models.User) error {
	item, err := attributevalue.MarshalMap(ddbUser{UserID: u.UserID, Username: u.Username, ProfilePhoto: u.ProfilePhoto})
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}

	if u.Username == "" {
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.usersTable),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(userId)"),
		})
		if isConditionFailed(err) {
			return apperr.ErrUserExists
		}
		if err != nil {
			return unavailable(err)
		}
		return nil
	}

	reserve, err := s.reservationPut(u.Username, u.UserID)
	if err != nil {
		return fmt.Errorf("marshal username reservation: %w", err)
	}
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.usersTable),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(userId)"),
			}},
			reserve,
		},
	})
	switch {
	case err == nil:
		return nil
	case cancelledAt(err, 0):
		return apperr.ErrUserExists
	case cancelledAt(err, 1):
		return apperr.ErrUsernameTaken
	default:
		s.logger.Error("failed to create user", zap.String("user_id", u.UserID), zap.Error(err))
		return unavailable(err)
	}
}

func (s *DynamoStore) UpdateUsername(ctx context.Context, userID, username string) error {
	current, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if current.Username == username {
		return nil
	}

	reserve, err := s.reservationPut(username, userID)
	if err != nil {
		return fmt.Errorf("marshal username reservation: %w", err)
	}

	values := map[string]types.AttributeValue{
		":username": &types.AttributeValueMemberS{Value: username},
	}
	condition := "attribute_exists(userId) AND attribute_not_exists(#username)"
	if current.Username != "" {
		condition = "attribute_exists(userId) AND #username = :old_username"
		values[":old_username"] = &types.AttributeValueMemberS{Value: current.Username}
	}

	items := []types.TransactWriteItem{
		reserve,
		{Update: &types.Update{
			TableName:                 aws.String(s.usersTable),
			Key:                       userKeyAV(userID),
			UpdateExpression:          aws.String("SET #username = :username"),
			ConditionExpression:       aws.String(condition),
			ExpressionAttributeNames:  map[string]string{"#username": "username"},
			ExpressionAttributeValues: values,
		}},
	}
	if current.Username != "" {
		items = append(items, types.TransactWriteItem{Delete: &types.Delete{
			TableName:           aws.String(s.usersTable),
			Key:                 userKeyAV(usernamePrefix + current.Username),
			ConditionExpression: aws.String("#owner = :owner"),
			ExpressionAttributeNames: map[string]string{
				"#owner": "owner",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":owner": &types.AttributeValueMemberS{Value: userID},
			},
		}})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	switch {
	case err == nil:
		return nil
	case cancelledAt(err, 0):
		return apperr.ErrUsernameTaken
	case cancelledAt(err, 1), cancelledAt(err, 2):
		return apperr.ErrConditionFailed
	default:
		return unavailable(err)
	}
}

func (s *DynamoStore) UpdateProfilePhoto(ctx context.Context, userID, photoURL string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.usersTable),
		Key:                 userKeyAV(userID),
		UpdateExpression:    aws.String("SET profilePhoto = :photo"),
		ConditionExpression: aws.String("attribute_exists(userId)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":photo": &types.AttributeValueMemberS{Value: photoURL},
		},
	})
	if isConditionFailed(err) {
		return apperr.ErrUserNotFound
	}
	if err != nil {
		return unavailable(err)
	}
	return nil
}
