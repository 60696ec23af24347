// Package awstest provides in-memory fakes of the AWS clients used by the service.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

type table struct {
	pk    string
	sk    string
	items map[string]map[string]types.AttributeValue
}

// FakeDynamo is an in-memory DynamoDB supporting the expression subset used by the stores:
// conditions joined by AND over attribute_exists, attribute_not_exists and comparisons;
// SET updates with optional + / - arithmetic; Query on partition key equality.
// Every call is serialized, so TransactWriteItems is atomic as in DynamoDB.
type FakeDynamo struct {
	mu        sync.Mutex
	tables    map[string]*table
	conflicts int
	failures  map[string]error

	TransactCalls int
}

// NewFakeDynamo returns an empty fake.
func NewFakeDynamo() *FakeDynamo {
	return &FakeDynamo{
		tables:   map[string]*table{},
		failures: map[string]error{},
	}
}

// CreateTable registers a table with its key schema; sk may be empty.
func (f *FakeDynamo) CreateTable(name, pk, sk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{pk: pk, sk: sk, items: map[string]map[string]types.AttributeValue{}}
}

// InjectConflicts makes the next n TransactWriteItems calls fail with TransactionConflict.
func (f *FakeDynamo) InjectConflicts(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts = n
}

// Fail makes every call of op against tableName return err until cleared with a nil err.
// An empty tableName matches any table.
func (f *FakeDynamo) Fail(op, tableName string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + "/" + tableName
	if err == nil {
		delete(f.failures, key)
		return
	}
	f.failures[key] = err
}

// Seed marshals v and stores it without conditions.
func (f *FakeDynamo) Seed(tableName string, v any) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(tableName)
	if err != nil {
		return err
	}
	k, err := t.keyOf(item)
	if err != nil {
		return err
	}
	t.items[k] = item
	return nil
}

// Load unmarshals the item identified by pk (and sk) into out. It reports whether the item exists.
func (f *FakeDynamo) Load(tableName string, out any, pk string, sk ...string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(tableName)
	if err != nil {
		return false, err
	}
	k := pk
	if len(sk) > 0 {
		k = pk + "|" + sk[0]
	}
	item, ok := t.items[k]
	if !ok {
		return false, nil
	}
	return true, attributevalue.UnmarshalMap(item, out)
}

// Count returns the number of items in tableName.
func (f *FakeDynamo) Count(tableName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[tableName]; ok {
		return len(t.items)
	}
	return 0
}

func (f *FakeDynamo) table(name string) (*table, error) {
	t, ok := f.tables[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: strPtr("table not found: " + name)}
	}
	return t, nil
}

func (f *FakeDynamo) injected(op, tableName string) error {
	if err, ok := f.failures[op+"/"+tableName]; ok {
		return err
	}
	if err, ok := f.failures[op+"/"]; ok {
		return err
	}
	return nil
}

func (t *table) keyOf(item map[string]types.AttributeValue) (string, error) {
	pv, ok := item[t.pk]
	if !ok {
		return "", fmt.Errorf("missing partition key %q", t.pk)
	}
	k := scalar(pv)
	if t.sk != "" {
		sv, ok := item[t.sk]
		if !ok {
			return "", fmt.Errorf("missing sort key %q", t.sk)
		}
		k += "|" + scalar(sv)
	}
	return k, nil
}

// GetItem implements DynamoDBAPI.
func (f *FakeDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("GetItem", *params.TableName); err != nil {
		return nil, err
	}
	t, err := f.table(*params.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

// PutItem implements DynamoDBAPI.
func (f *FakeDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("PutItem", *params.TableName); err != nil {
		return nil, err
	}
	t, err := f.table(*params.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(deref(params.ConditionExpression), t.items[k], params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	t.items[k] = clone(params.Item)
	return &dyn.PutItemOutput{}, nil
}

// UpdateItem implements DynamoDBAPI.
func (f *FakeDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("UpdateItem", *params.TableName); err != nil {
		return nil, err
	}
	t, err := f.table(*params.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	current := t.items[k]
	ok, err := evalCondition(deref(params.ConditionExpression), current, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	next, err := applyUpdate(deref(params.UpdateExpression), current, params.Key, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	t.items[k] = next
	out := &dyn.UpdateItemOutput{}
	switch params.ReturnValues {
	case types.ReturnValueAllNew, types.ReturnValueUpdatedNew:
		out.Attributes = clone(next)
	case types.ReturnValueAllOld, types.ReturnValueUpdatedOld:
		out.Attributes = clone(current)
	}
	return out, nil
}

// DeleteItem implements DynamoDBAPI.
func (f *FakeDynamo) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("DeleteItem", *params.TableName); err != nil {
		return nil, err
	}
	t, err := f.table(*params.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(deref(params.ConditionExpression), t.items[k], params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	delete(t.items, k)
	return &dyn.DeleteItemOutput{}, nil
}

// Query implements DynamoDBAPI for partition key equality.
func (f *FakeDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("Query", *params.TableName); err != nil {
		return nil, err
	}
	t, err := f.table(*params.TableName)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(deref(params.KeyConditionExpression))
	if len(fields) != 3 || fields[1] != "=" {
		return nil, fmt.Errorf("awstest: unsupported key condition %q", deref(params.KeyConditionExpression))
	}
	name := resolveName(fields[0], params.ExpressionAttributeNames)
	want, ok := params.ExpressionAttributeValues[fields[2]]
	if !ok {
		return nil, fmt.Errorf("awstest: missing value %s", fields[2])
	}

	var matched []map[string]types.AttributeValue
	for _, item := range t.items {
		if v, ok := item[name]; ok && compare(v, want) == 0 {
			matched = append(matched, item)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if t.sk == "" {
			return false
		}
		return compare(matched[i][t.sk], matched[j][t.sk]) < 0
	})
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if params.Limit != nil && int(*params.Limit) < len(matched) {
		matched = matched[:*params.Limit]
	}

	out := &dyn.QueryOutput{Count: int32(len(matched)), ScannedCount: int32(len(matched))}
	if params.Select != types.SelectCount {
		for _, item := range matched {
			out.Items = append(out.Items, clone(item))
		}
	}
	return out, nil
}

// TransactWriteItems implements DynamoDBAPI with all-or-nothing semantics and
// per-item cancellation reasons.
func (f *FakeDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TransactCalls++
	if err := f.injected("TransactWriteItems", ""); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	if f.conflicts > 0 {
		f.conflicts--
		for i := range reasons {
			reasons[i] = types.CancellationReason{Code: strPtr("None")}
		}
		if len(reasons) > 0 {
			reasons[0] = types.CancellationReason{Code: strPtr("TransactionConflict"), Message: strPtr("Transaction is ongoing for the item")}
		}
		return nil, &types.TransactionCanceledException{Message: strPtr("Transaction cancelled"), CancellationReasons: reasons}
	}

	type op struct {
		apply func()
	}
	ops := make([]op, 0, len(params.TransactItems))
	seen := map[string]bool{}
	canceled := false

	for i, it := range params.TransactItems {
		var (
			tableName string
			key       map[string]types.AttributeValue
			cond      *string
			names     map[string]string
			values    map[string]types.AttributeValue
		)
		switch {
		case it.Put != nil:
			tableName, key, cond, names, values = *it.Put.TableName, it.Put.Item, it.Put.ConditionExpression, it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues
		case it.Update != nil:
			tableName, key, cond, names, values = *it.Update.TableName, it.Update.Key, it.Update.ConditionExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues
		case it.Delete != nil:
			tableName, key, cond, names, values = *it.Delete.TableName, it.Delete.Key, it.Delete.ConditionExpression, it.Delete.ExpressionAttributeNames, it.Delete.ExpressionAttributeValues
		case it.ConditionCheck != nil:
			tableName, key, cond, names, values = *it.ConditionCheck.TableName, it.ConditionCheck.Key, it.ConditionCheck.ConditionExpression, it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, errors.New("awstest: empty transact item")
		}

		t, err := f.table(tableName)
		if err != nil {
			return nil, err
		}
		k, err := t.keyOf(key)
		if err != nil {
			return nil, err
		}
		if seen[tableName+"/"+k] {
			return nil, errors.New("ValidationException: Transaction request cannot include multiple operations on one item")
		}
		seen[tableName+"/"+k] = true

		ok, err := evalCondition(deref(cond), t.items[k], names, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			reasons[i] = types.CancellationReason{Code: strPtr("ConditionalCheckFailed"), Message: strPtr("The conditional request failed")}
			canceled = true
			continue
		}
		reasons[i] = types.CancellationReason{Code: strPtr("None")}

		switch {
		case it.Put != nil:
			item := clone(it.Put.Item)
			ops = append(ops, op{apply: func() { t.items[k] = item }})
		case it.Update != nil:
			next, err := applyUpdate(deref(it.Update.UpdateExpression), t.items[k], it.Update.Key, names, values)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op{apply: func() { t.items[k] = next }})
		case it.Delete != nil:
			ops = append(ops, op{apply: func() { delete(t.items, k) }})
		}
	}

	if canceled {
		return nil, &types.TransactionCanceledException{Message: strPtr("Transaction cancelled"), CancellationReasons: reasons}
	}
	for _, o := range ops {
		o.apply()
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	if strings.Contains(expr, " OR ") {
		return false, fmt.Errorf("awstest: OR is not supported: %q", expr)
	}
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_exists(") && strings.HasSuffix(clause, ")"):
			name := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), names)
			if _, ok := item[name]; !ok {
				return false, nil
			}
		case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
			name := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
			if _, ok := item[name]; ok {
				return false, nil
			}
		default:
			fields := strings.Fields(clause)
			if len(fields) != 3 {
				return false, fmt.Errorf("awstest: unsupported condition %q", clause)
			}
			lhs, lok := operand(fields[0], item, names, values)
			rhs, rok := operand(fields[2], item, names, values)
			if !lok || !rok {
				return false, nil
			}
			c := compare(lhs, rhs)
			if c == incomparable {
				return false, nil
			}
			var pass bool
			switch fields[1] {
			case "=":
				pass = c == 0
			case "<>":
				pass = c != 0
			case ">":
				pass = c > 0
			case ">=":
				pass = c >= 0
			case "<":
				pass = c < 0
			case "<=":
				pass = c <= 0
			default:
				return false, fmt.Errorf("awstest: unsupported operator %q", fields[1])
			}
			if !pass {
				return false, nil
			}
		}
	}
	return true, nil
}

func applyUpdate(expr string, current, key map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	next := clone(current)
	if next == nil {
		next = map[string]types.AttributeValue{}
	}
	for k, v := range key {
		next[k] = v
	}
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return nil, fmt.Errorf("awstest: unsupported update %q", expr)
	}
	for _, assignment := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		fields := strings.Fields(assignment)
		if len(fields) != 3 && len(fields) != 5 || fields[1] != "=" {
			return nil, fmt.Errorf("awstest: unsupported assignment %q", assignment)
		}
		target := resolveName(fields[0], names)
		a, ok := operand(fields[2], current, names, values)
		if !ok {
			return nil, fmt.Errorf("awstest: unresolved operand %q", fields[2])
		}
		if len(fields) == 3 {
			next[target] = a
			continue
		}
		b, ok := operand(fields[4], current, names, values)
		if !ok {
			return nil, fmt.Errorf("awstest: unresolved operand %q", fields[4])
		}
		an, aok := a.(*types.AttributeValueMemberN)
		bn, bok := b.(*types.AttributeValueMemberN)
		if !aok || !bok {
			return nil, fmt.Errorf("awstest: arithmetic on non-number in %q", assignment)
		}
		x, _ := decimal.NewFromString(an.Value)
		y, _ := decimal.NewFromString(bn.Value)
		switch fields[3] {
		case "+":
			next[target] = &types.AttributeValueMemberN{Value: x.Add(y).String()}
		case "-":
			next[target] = &types.AttributeValueMemberN{Value: x.Sub(y).String()}
		default:
			return nil, fmt.Errorf("awstest: unsupported operator %q", fields[3])
		}
	}
	return next, nil
}

func operand(tok string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, bool) {
	if strings.HasPrefix(tok, ":") {
		v, ok := values[tok]
		return v, ok
	}
	v, ok := item[resolveName(tok, names)]
	return v, ok
}

func resolveName(tok string, names map[string]string) string {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, "#") {
		if n, ok := names[tok]; ok {
			return n
		}
	}
	return tok
}

// incomparable is returned by compare for operands of different types.
const incomparable = -2

func compare(a, b types.AttributeValue) int {
	switch av := a.(type) {
	case *types.AttributeValueMemberN:
		if bv, ok := b.(*types.AttributeValueMemberN); ok {
			x, _ := decimal.NewFromString(av.Value)
			y, _ := decimal.NewFromString(bv.Value)
			return x.Cmp(y)
		}
	case *types.AttributeValueMemberS:
		if bv, ok := b.(*types.AttributeValueMemberS); ok {
			return strings.Compare(av.Value, bv.Value)
		}
	case *types.AttributeValueMemberBOOL:
		if bv, ok := b.(*types.AttributeValueMemberBOOL); ok && av.Value == bv.Value {
			return 0
		}
	}
	return incomparable
}

func scalar(v types.AttributeValue) string {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return tv.Value
	case *types.AttributeValueMemberN:
		return tv.Value
	case *types.AttributeValueMemberBOOL:
		if tv.Value {
			return "true"
		}
		return "false"
	}
	return fmt.Sprintf("%v", v)
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }
