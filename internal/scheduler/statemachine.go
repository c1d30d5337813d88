package scheduler

import (
	_ "embed"
)

// ExpiryCheckDefinition は StepFunctionsScheduler が実行を開始するステートマシンのASL定義です
// Waitステートで CheckInput の fire_at まで待機し、check サブコマンドをECSタスクとして実行します
// ${ClusterArn} などのプレースホルダーはデプロイ時に置き換えます
//
//go:embed statemachine/expiry_check.asl.json
var ExpiryCheckDefinition []byte
