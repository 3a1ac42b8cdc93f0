package games

// Two players join a room by code; each secretly picks one character from a shared board of 18
// The other player has to work out that pick by asking yes/no questions over chat or a video call
// Players cross off tiles as they rule characters out; notes are private and purely visual
// A correct guess of the opponent's character wins; two matching outcomes in a row is a draw

// Display formats:
// Grid of character tiles, tap to cross off, long-press (or guess mode) to guess
// Chat column beside the board, with YES/NO quick-answer buttons for the answering player

// Implementation details:
// - One websocket per client; events carry the room code, so a socket can outlive a room
// - Boards are reshuffled per player so tile positions can't be compared between screens
// - The server relays WebRTC offers/answers/ICE between the two occupants but never reads them
// - Early-arriving ICE candidates are buffered on the receiving client until the remote
//   description is set; the server takes no part in ordering

// How to play
// - One player creates a room and shares the 6-character code (or the QR link)
// - Both players pick a secret character; the game starts on a random turn
// - On your turn: ask questions in chat, then guess or end your turn
// - Off turn: answer with YES/NO; the asker keeps the turn after your answer
