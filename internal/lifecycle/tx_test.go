// Copyright 2023 Sorint.lab
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"fmt"
	"reflect"
	"testing"
)

func TestTxRollbackOrder(t *testing.T) {
	undone := []string{}
	tx := NewTx("test")

	steps := []string{"a", "b", "c"}
	for _, s := range steps {
		s := s
		err := tx.Step(s, func() error { return nil }, func() error {
			undone = append(undone, s)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	err := tx.Step("d", func() error { return fmt.Errorf("boom") }, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if want := []string{"c", "b", "a"}; !reflect.DeepEqual(undone, want) {
		t.Errorf("rollback order %v, want %v", undone, want)
	}
}

func TestTxCommitDiscardsCompensations(t *testing.T) {
	undone := 0
	tx := NewTx("test")
	if err := tx.Step("a", func() error { return nil }, func() error {
		undone++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	tx.Commit()
	tx.Rollback()
	if undone != 0 {
		t.Errorf("compensation ran after commit")
	}
}

func TestTxRollbackContinuesOnFailure(t *testing.T) {
	undone := []string{}
	tx := NewTx("test")
	_ = tx.Step("a", func() error { return nil }, func() error {
		undone = append(undone, "a")
		return nil
	})
	_ = tx.Step("b", func() error { return nil }, func() error {
		return fmt.Errorf("compensation failed")
	})
	tx.Rollback()
	if want := []string{"a"}; !reflect.DeepEqual(undone, want) {
		t.Errorf("got %v, want %v", undone, want)
	}
}
