// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

var (
	pkgNameToGroupName map[string]map[string]interface{}
	statsNameMapLock   sync.Mutex
)

var (
	totalType           = reflect.TypeOf(Total{})
	bucketLog2RoundType = reflect.TypeOf(BucketLog2Round{})
)

func isStatType(fieldAsType reflect.Type) bool {
	return fieldAsType == totalType || fieldAsType == bucketLog2RoundType
}

func verifyStatsStruct(statsGroupName string, statsStruct interface{}) {
	if reflect.TypeOf(statsStruct).Kind() != reflect.Ptr ||
		reflect.ValueOf(statsStruct).Elem().Type().Kind() != reflect.Struct {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}
}

// Register a set of statistics, where the statistics are one or more fields in
// the passed structure.
//
func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	if pkgName == "" && statsGroupName == "" {
		panic(fmt.Sprintf("statistics group must have non-empty pkgName or statsGroupName"))
	}

	verifyStatsStruct(statsGroupName, statsStruct)

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	// find all the statistics fields and init them;
	// assign them a name if they don't have one;
	// verify each name is only used once
	names := make(map[string]struct{})

	for i := 0; i < structAsType.NumField(); i++ {
		fieldName := structAsType.Field(i).Name
		fieldAsValue := structAsValue.Field(i)

		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		if !fieldAsValue.CanSet() {
			panic(fmt.Sprintf("statistics group '%s' field %s must be exported to be usable by bucketstats",
				statsGroupName, fieldName))
		}

		statNameValue := fieldAsValue.FieldByName("Name")
		if statNameValue.String() == "" {
			statNameValue.SetString(fieldName)
		} else {
			statNameValue.SetString(scrubName(statNameValue.String()))
		}
		_, ok := names[statNameValue.String()]
		if ok {
			panic(fmt.Sprintf("stats '%s' field %s Name '%s' is already in use",
				statsGroupName, fieldName, statNameValue))
		}
		names[statNameValue.String()] = struct{}{}

		if v, ok := fieldAsValue.Addr().Interface().(*BucketLog2Round); ok {
			if v.NBucket == 0 || v.NBucket > uint(len(v.statBuckets)) {
				v.NBucket = uint(len(v.statBuckets))
			} else if v.NBucket < 10 {
				v.NBucket = 10
			}
		}
	}

	statsGroupName = scrubName(statsGroupName)
	pkgName = scrubName(pkgName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if pkgNameToGroupName == nil {
		pkgNameToGroupName = make(map[string]map[string]interface{})
	}
	if pkgNameToGroupName[pkgName] == nil {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}

	if pkgNameToGroupName[pkgName][statsGroupName] != nil {
		panic(fmt.Sprintf("pkgName '%s' with statsGroupName '%s' is already registered",
			pkgName, statsGroupName))
	}
	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func unRegister(pkgName string, statsGroupName string) {
	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	// silently ignore it if it doesn't exist
	if pkgNameToGroupName[pkgName] != nil {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if len(pkgNameToGroupName[pkgName]) == 0 {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

func sortedKeys(m map[string]interface{}) (keys []string) {
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return
}

// Return the selected group(s) of statistics as a string.
//
func sprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (statValues string) {
	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	var pkgNames []string
	if pkgName == "*" {
		for pkg := range pkgNameToGroupName {
			pkgNames = append(pkgNames, pkg)
		}
		sort.Strings(pkgNames)
	} else {
		pkgNames = []string{scrubName(pkgName)}
	}

	for _, pkg := range pkgNames {
		var groupNames []string
		if statsGroupName == "*" {
			groupNames = sortedKeys(pkgNameToGroupName[pkg])
		} else {
			groupNames = []string{scrubName(statsGroupName)}
		}

		for _, group := range groupNames {
			statsStruct, ok := pkgNameToGroupName[pkg][group]
			if !ok {
				panic(fmt.Sprintf(
					"bucketstats.sprintStats(): statistics group '%s.%s' is not registered",
					pkg, group))
			}
			statValues += sprintStatsStruct(stringFmt, pkg, group, statsStruct)
		}
	}
	return
}

func sprintStatsStruct(stringFmt StatStringFormat, pkgName string, statsGroupName string,
	statsStruct interface{}) (statValues string) {

	verifyStatsStruct(statsGroupName, statsStruct)

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	for i := 0; i < structAsType.NumField(); i++ {
		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		statValues += structAsValue.Field(i).Addr().Interface().(statistic).sprint(stringFmt, pkgName, statsGroupName)
	}
	return
}

// Construct and return a statistics name (fully qualified field name) in the specified format.
//
func statisticName(stringFmt StatStringFormat, pkgName string, statsGroupName string, fieldName string) string {
	switch stringFmt {
	case StatFormatParsable1:
		switch {
		case pkgName == "":
			return statsGroupName + "." + fieldName
		case statsGroupName == "":
			return pkgName + "." + fieldName
		default:
			return pkgName + "." + statsGroupName + "." + fieldName
		}
	}

	return fmt.Sprintf("pkg: '%s' Stats Group '%s' field '%s': Unknown StatStringFormat: '%v'",
		pkgName, statsGroupName, fieldName, stringFmt)
}

func (this *Total) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(stringFmt, pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		return fmt.Sprintf("%s total:%d\n", statName, this.TotalGet())
	}

	return fmt.Sprintf("statName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

// log2RoundIdx returns round(log2(value)) + 1, with 0 mapping to bucket 0
//
func log2RoundIdx(value uint64) uint {
	if value == 0 {
		return 0
	}
	return uint(math.Round(math.Log2(float64(value)))) + 1
}

// log2RoundLow returns the smallest value that maps to bucket idx
//
func log2RoundLow(idx uint) uint64 {
	switch {
	case idx <= 1:
		return uint64(idx)
	case idx >= 65:
		return math.MaxUint64
	}
	low := math.Ceil(math.Pow(2, float64(idx)-1.5))
	if low >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(low)
}

// The canonical distribution for a bucketized statistic is an array of BucketInfo.
//
func bucketDistMake(nBucket uint, statBuckets []uint64) []BucketInfo {
	bucketInfo := make([]BucketInfo, nBucket)

	for i := uint(0); i < nBucket; i += 1 {
		bucketInfo[i].Count = atomic.LoadUint64(&statBuckets[i])
		bucketInfo[i].RangeLow = log2RoundLow(i)
		if i == nBucket-1 {
			bucketInfo[i].RangeHigh = math.MaxUint64
		} else {
			bucketInfo[i].RangeHigh = log2RoundLow(i+1) - 1
		}
		if i > 0 {
			bucketInfo[i].NominalVal = uint64(1) << (i - 1)
		}

		mean := bucketInfo[i].RangeLow / 2
		mean += bucketInfo[i].RangeHigh / 2
		bothOdd := bucketInfo[i].RangeLow & bucketInfo[i].RangeHigh & 0x1
		if bothOdd == 1 {
			mean += 1
		}
		bucketInfo[i].MeanVal = mean
	}
	return bucketInfo
}

// Given the distribution ([]BucketInfo) for a bucketized statistic, calculate:
//
// o the index of the last entry with a non-zero count
// o the count (number things in buckets)
// o sum of counts * count_meanVal, and
// o mean (average)
//
func bucketCalcStat(bucketInfo []BucketInfo) (lastIdx int, count uint64, sum uint64, mean uint64) {
	var (
		bigSum     big.Int
		bigMean    big.Int
		bigTmp     big.Int
		bigProduct big.Int
	)

	for i := 0; i < len(bucketInfo); i += 1 {
		count += bucketInfo[i].Count

		bigTmp.SetUint64(bucketInfo[i].Count)
		bigProduct.SetUint64(bucketInfo[i].MeanVal)
		bigProduct.Mul(&bigProduct, &bigTmp)
		bigSum.Add(&bigSum, &bigProduct)

		if bucketInfo[i].Count > 0 {
			lastIdx = i
		}
	}
	if count > 0 {
		bigTmp.SetUint64(count)
		bigMean.Div(&bigSum, &bigTmp)
	}

	// sum will be garbage if bigSum overflows
	mean = bigMean.Uint64()
	sum = bigSum.Uint64()

	return
}

func (this *BucketLog2Round) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	bucketInfo := this.DistGet()
	lastIdx, count, sum, mean := bucketCalcStat(bucketInfo)
	statName := statisticName(stringFmt, pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		line := fmt.Sprintf("%s total:%d count:%d avg:%d", statName, sum, count, mean)

		// bucket names are printed as a number upto 3 digits long
		for idx := 0; idx < lastIdx+1; idx += 1 {
			if bucketInfo[idx].NominalVal < 1024 {
				line += fmt.Sprintf(" %d:%d", bucketInfo[idx].NominalVal, bucketInfo[idx].Count)
			} else {
				line += fmt.Sprintf(" 2^%d:%d", idx-1, bucketInfo[idx].Count)
			}
		}
		return line + "\n"
	}

	return fmt.Sprintf("StatisticName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

// Replace illegal characters in names with underbar (`_`)
//
func scrubName(name string) string {

	// Names should include only pritable characters that are not
	// whitespace.  Also disallow splat ('*') (used for wildcard for
	// statistic group names), sharp ('#') (used for comments in output) and
	// colon (':') (used as a delimiter in "key:value" output).
	replaceChar := func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '_'
		case !unicode.IsPrint(r):
			return '_'
		case r == '*':
			return '_'
		case r == ':':
			return '_'
		case r == '#':
			return '_'
		}
		return r
	}

	return strings.Map(replaceChar, name)
}
